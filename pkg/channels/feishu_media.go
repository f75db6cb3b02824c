package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

// FeishuAPI is the synchronous part of the Lark open platform the channel
// uses. Every method blocks on the network. A non-success answer from the
// platform comes back as *APIError.
type FeishuAPI interface {
	GetResource(ctx context.Context, messageID, fileKey, resourceType string, w io.Writer) error
	CreateImage(ctx context.Context, image io.Reader) (string, error)
	CreateFile(ctx context.Context, fileName string, file io.Reader) (string, error)
	CreateMessage(ctx context.Context, receiveID, msgType, content string) error
}

type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu %s failed: code=%d msg=%s", e.Op, e.Code, e.Msg)
}

type DownloadResult struct {
	Path string
	Err  error
}

type UploadResult struct {
	Key string
	Err error
}

// SendResult is the outcome of one message-create call. Target is "text" for
// the text part and the local path for a media item.
type SendResult struct {
	MsgType string
	Target  string
	Err     error
}

type SendReport struct {
	ChatID  string
	Results []SendResult
}

func (r SendReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

func (r SendReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", res.MsgType, res.Target, res.Err))
		}
	}
	return errors.Join(errs...)
}

const (
	feishuMsgTypeText  = "text"
	feishuMsgTypeImage = "image"
	feishuMsgTypeFile  = "file"
	feishuMsgTypeMedia = "media"
	feishuMsgTypeAudio = "audio"
)

var feishuImageExts = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
}

// classifyMedia picks the outbound message type for a local file by its
// extension.
func classifyMedia(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if feishuImageExts[ext] {
		return feishuMsgTypeImage
	}
	return feishuMsgTypeFile
}

// mediaRef points at a resource attached to an inbound message.
type mediaRef struct {
	key          string
	name         string
	resourceType string
}

func (r mediaRef) localName() string {
	name := r.name
	if name == "" {
		name = r.key
		if r.resourceType == feishuMsgTypeImage {
			name += ".jpg"
		}
	}
	return filepath.Base(name)
}

func defaultFeishuDownloadDir() string {
	return filepath.Join(os.TempDir(), "larkgate_downloads")
}

// feishuTransfers performs downloads and uploads. Each of the two call sites
// lets one transfer through at a time.
type feishuTransfers struct {
	api         FeishuAPI
	downloadDir string
	downloadSem *semaphore.Weighted
	uploadSem   *semaphore.Weighted
}

func newFeishuTransfers(cfg config.FeishuConfig) *feishuTransfers {
	dir := cfg.DownloadDir
	if dir == "" {
		dir = defaultFeishuDownloadDir()
	}
	return &feishuTransfers{
		downloadDir: dir,
		downloadSem: semaphore.NewWeighted(1),
		uploadSem:   semaphore.NewWeighted(1),
	}
}

func (t *feishuTransfers) download(ctx context.Context, messageID string, ref mediaRef) DownloadResult {
	if err := t.downloadSem.Acquire(ctx, 1); err != nil {
		return DownloadResult{Err: err}
	}
	defer t.downloadSem.Release(1)

	if err := os.MkdirAll(t.downloadDir, 0o755); err != nil {
		return DownloadResult{Err: fmt.Errorf("create download dir: %w", err)}
	}

	path := filepath.Join(t.downloadDir, ref.localName())
	tmp, err := os.CreateTemp(t.downloadDir, ref.localName()+".*.part")
	if err != nil {
		return DownloadResult{Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := t.api.GetResource(ctx, messageID, ref.key, ref.resourceType, tmp); err != nil {
		tmp.Close()
		return DownloadResult{Err: err}
	}
	if err := tmp.Close(); err != nil {
		return DownloadResult{Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return DownloadResult{Err: fmt.Errorf("move download into place: %w", err)}
	}

	logger.InfoCF("feishu", "Downloaded message resource", map[string]interface{}{
		logger.FieldMessageID: messageID,
		logger.FieldPath:      path,
	})
	return DownloadResult{Path: path}
}

func (t *feishuTransfers) upload(ctx context.Context, msgType, path string) UploadResult {
	if err := t.uploadSem.Acquire(ctx, 1); err != nil {
		return UploadResult{Err: err}
	}
	defer t.uploadSem.Release(1)

	f, err := os.Open(path)
	if err != nil {
		return UploadResult{Err: fmt.Errorf("open media: %w", err)}
	}
	defer f.Close()

	var key string
	if msgType == feishuMsgTypeImage {
		key, err = t.api.CreateImage(ctx, f)
	} else {
		key, err = t.api.CreateFile(ctx, filepath.Base(path), f)
	}
	if err != nil {
		return UploadResult{Err: err}
	}
	if key == "" {
		return UploadResult{Err: fmt.Errorf("upload %s: empty key", filepath.Base(path))}
	}
	return UploadResult{Key: key}
}
