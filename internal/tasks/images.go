package tasks

// ============================================================================
// 職責說明：
// 1. 下載 TMDb 海報與背景圖到本地快取
// 2. 快取檔名為 md5(path_size) + 原副檔名，已存在則跳過
// 3. 以 rate.Limiter 節流請求
// 4. 每張圖更新一次進度；全部失敗時任務失敗
// ============================================================================

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// KindImages 圖片快取任務的類型名稱
const KindImages = "images"

// 圖片類型
const (
	ImagePoster   = "poster"
	ImageBackdrop = "backdrop"
)

var (
	posterSizes   = []string{"w185", "w342", "w500", "w780", "original"}
	backdropSizes = []string{"w300", "w780", "w1280", "original"}

	// ErrAllImagesFailed 沒有任何一張圖下載成功或已在快取中
	ErrAllImagesFailed = errors.New("all image downloads failed")
)

// ImageConfig 圖片下載設定
type ImageConfig struct {
	BaseURL       string        `yaml:"base_url"`
	CacheDir      string        `yaml:"cache_dir"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultImageConfig 返回預設圖片設定
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		BaseURL:       "https://image.tmdb.org/t/p/",
		CacheDir:      "./static/images",
		RatePerSecond: 10,
		Timeout:       30 * time.Second,
	}
}

// ImageParams 圖片任務參數
type ImageParams struct {
	Kind  string   `json:"kind"`           // poster | backdrop
	Size  string   `json:"size,omitempty"` // 空字串使用預設尺寸
	Paths []string `json:"paths"`          // TMDb 圖片路徑，例如 /abc.jpg
}

// ImageResult 圖片任務結果
type ImageResult struct {
	Downloaded int               `json:"downloaded"`
	Cached     int               `json:"cached"`
	Failed     int               `json:"failed"`
	Files      map[string]string `json:"files"` // TMDb 路徑 -> 快取 URL 路徑
	Errors     map[string]string `json:"errors,omitempty"`
}

// ImageFetcher 圖片下載器
type ImageFetcher struct {
	cfg     ImageConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// NewImageFetcher 建立圖片下載器；RatePerSecond <= 0 表示不限速
func NewImageFetcher(cfg ImageConfig, logger logrus.FieldLogger) *ImageFetcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultImageConfig().Timeout
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &ImageFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     logger.WithField("task", KindImages),
	}
}

// Validate 檢查類型與尺寸並套用預設尺寸
func (f *ImageFetcher) Validate(p ImageParams) (ImageParams, error) {
	var sizes []string
	switch p.Kind {
	case ImagePoster:
		sizes = posterSizes
		if p.Size == "" {
			p.Size = "w500"
		}
	case ImageBackdrop:
		sizes = backdropSizes
		if p.Size == "" {
			p.Size = "w1280"
		}
	default:
		return p, fmt.Errorf("%w: unknown image kind %q", ErrInvalidParams, p.Kind)
	}
	if !slices.Contains(sizes, p.Size) {
		return p, fmt.Errorf("%w: size %q not valid for %s", ErrInvalidParams, p.Size, p.Kind)
	}
	if len(p.Paths) == 0 {
		return p, fmt.Errorf("%w: paths is required", ErrInvalidParams)
	}
	return p, nil
}

// CacheFilename 快取檔名：md5("<path>_<size>") + 原副檔名（預設 .jpg）
func CacheFilename(imagePath, size string) string {
	clean := strings.TrimLeft(imagePath, "/")
	sum := md5.Sum([]byte(clean + "_" + size))
	ext := filepath.Ext(clean)
	if ext == "" {
		ext = ".jpg"
	}
	return hex.EncodeToString(sum[:]) + ext
}

// Fetch 下載所有圖片
func (f *ImageFetcher) Fetch(ctx context.Context, progress Reporter, p ImageParams) (ImageResult, error) {
	dir := filepath.Join(f.cfg.CacheDir, p.Kind+"s")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ImageResult{}, fmt.Errorf("failed to create cache dir: %w", err)
	}

	result := ImageResult{
		Files:  make(map[string]string, len(p.Paths)),
		Errors: make(map[string]string),
	}
	progress.UpdateProgress(
		types.WithTotal(len(p.Paths)),
		types.WithCurrent(0),
		types.WithMessage(fmt.Sprintf("caching %d %s images", len(p.Paths), p.Kind)),
	)

	for i, imagePath := range p.Paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := CacheFilename(imagePath, p.Size)
		target := filepath.Join(dir, name)
		urlPath := "/" + p.Kind + "s/" + name

		if _, err := os.Stat(target); err == nil {
			result.Cached++
			result.Files[imagePath] = urlPath
		} else if err := f.download(ctx, f.cfg.BaseURL+p.Size+"/"+strings.TrimLeft(imagePath, "/"), target); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			f.log.WithError(err).WithField("path", imagePath).Warn("Image download failed")
			result.Failed++
			result.Errors[imagePath] = err.Error()
		} else {
			result.Downloaded++
			result.Files[imagePath] = urlPath
		}

		progress.UpdateProgress(types.WithCurrent(i+1), types.WithMessage(imagePath))
	}

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	if result.Failed == len(p.Paths) {
		return result, fmt.Errorf("%w (%d images)", ErrAllImagesFailed, result.Failed)
	}
	return result, nil
}

func (f *ImageFetcher) download(ctx context.Context, url, target string) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}

	// 同一目標可能被多個任務同時下載，各自使用獨立的暫存檔
	out, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := out.Name()
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
