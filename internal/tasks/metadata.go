package tasks

// ============================================================================
// 職責說明：
// 1. 依解析出的標題 / 年份 / 類型到 TMDb 搜尋，挑出最相符的一筆
// 2. 帶年份搜不到時改為不帶年份重試
// 3. 可選擇再抓詳情（類型、片長、IMDb ID）
// 4. 每個項目更新一次進度；全部查詢失敗時任務失敗
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// KindMetadata 中繼資料補全任務的類型名稱
const KindMetadata = "metadata"

// MinMatchConfidence 低於此分數視為沒有相符結果
const MinMatchConfidence = 0.5

// ErrAllLookupsFailed 每個項目的 TMDb 查詢都出錯
var ErrAllLookupsFailed = errors.New("all metadata lookups failed")

// MetadataConfig TMDb 設定
type MetadataConfig struct {
	APIKey        string        `yaml:"api_key"` // TMDb v4 read access token
	BaseURL       string        `yaml:"base_url"`
	Language      string        `yaml:"language"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultMetadataConfig 返回預設 TMDb 設定
func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{
		BaseURL:       "https://api.themoviedb.org/3",
		Language:      "zh-CN",
		RatePerSecond: 4,
		Timeout:       30 * time.Second,
	}
}

// MetadataItem 一筆待查詢的媒體；通常來自 scan 結果的 parsed 欄位
type MetadataItem struct {
	Title     string `json:"title"`
	Year      int    `json:"year,omitempty"`
	MediaType string `json:"media_type,omitempty"` // movie | tv_episode | tv，空字串視為 movie
}

// MetadataParams 中繼資料任務參數
type MetadataParams struct {
	Items   []MetadataItem `json:"items"`
	Details bool           `json:"details,omitempty"`
}

// MetadataMatch TMDb 上相符的條目
type MetadataMatch struct {
	TMDbID        int      `json:"tmdb_id"`
	MediaType     string   `json:"media_type"` // movie | tv
	Title         string   `json:"title"`
	OriginalTitle string   `json:"original_title,omitempty"`
	Year          int      `json:"year,omitempty"`
	Overview      string   `json:"overview,omitempty"`
	PosterPath    string   `json:"poster_path,omitempty"`
	BackdropPath  string   `json:"backdrop_path,omitempty"`
	VoteAverage   float64  `json:"vote_average"`
	Genres        []string `json:"genres,omitempty"`
	Runtime       int      `json:"runtime,omitempty"`
	IMDbID        string   `json:"imdb_id,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// MetadataLookup 單一項目的查詢結果
type MetadataLookup struct {
	Query MetadataItem   `json:"query"`
	Match *MetadataMatch `json:"match,omitempty"`
	Error string         `json:"error,omitempty"`
}

// MetadataResult 中繼資料任務結果
type MetadataResult struct {
	Matched   int              `json:"matched"`
	Unmatched int              `json:"unmatched"`
	Failed    int              `json:"failed"`
	Items     []MetadataLookup `json:"items"`
}

// MetadataEnricher TMDb 中繼資料查詢器
type MetadataEnricher struct {
	client *tmdbClient
	log    logrus.FieldLogger
}

// NewMetadataEnricher 建立查詢器；RatePerSecond <= 0 表示不限速
func NewMetadataEnricher(cfg MetadataConfig, logger logrus.FieldLogger) *MetadataEnricher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultMetadataConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &MetadataEnricher{
		client: &tmdbClient{
			baseURL:  cfg.BaseURL,
			apiKey:   cfg.APIKey,
			language: cfg.Language,
			http:     &http.Client{Timeout: cfg.Timeout},
			limiter:  rate.NewLimiter(limit, 1),
		},
		log: logger.WithField("task", KindMetadata),
	}
}

// Validate 檢查 API key 與每個項目，並把媒體類型正規化為 movie / tv
func (e *MetadataEnricher) Validate(p MetadataParams) (MetadataParams, error) {
	if e.client.apiKey == "" {
		return p, fmt.Errorf("%w: TMDb api_key is not configured", ErrInvalidParams)
	}
	if len(p.Items) == 0 {
		return p, fmt.Errorf("%w: items is required", ErrInvalidParams)
	}

	items := make([]MetadataItem, len(p.Items))
	for i, item := range p.Items {
		item.Title = strings.TrimSpace(item.Title)
		if item.Title == "" {
			return p, fmt.Errorf("%w: items[%d].title is required", ErrInvalidParams, i)
		}
		if item.Year < 0 {
			return p, fmt.Errorf("%w: items[%d].year must not be negative", ErrInvalidParams, i)
		}
		switch item.MediaType {
		case "", MediaMovie, MediaUnknown:
			item.MediaType = tmdbMovie
		case MediaTVEpisode, tmdbTV:
			item.MediaType = tmdbTV
		default:
			return p, fmt.Errorf("%w: items[%d] has unknown media_type %q", ErrInvalidParams, i, item.MediaType)
		}
		items[i] = item
	}
	p.Items = items
	return p, nil
}

// Enrich 依序查詢每個項目
func (e *MetadataEnricher) Enrich(ctx context.Context, progress Reporter, p MetadataParams) (MetadataResult, error) {
	result := MetadataResult{Items: make([]MetadataLookup, 0, len(p.Items))}
	progress.UpdateProgress(
		types.WithTotal(len(p.Items)),
		types.WithCurrent(0),
		types.WithMessage(fmt.Sprintf("looking up %d titles", len(p.Items))),
	)

	for i, item := range p.Items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		lookup := MetadataLookup{Query: item}
		match, err := e.lookup(ctx, item, p.Details)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			e.log.WithError(err).WithField("title", item.Title).Warn("Metadata lookup failed")
			lookup.Error = err.Error()
			result.Failed++
		case match == nil:
			result.Unmatched++
		default:
			lookup.Match = match
			result.Matched++
		}
		result.Items = append(result.Items, lookup)

		progress.UpdateProgress(types.WithCurrent(i+1), types.WithMessage(item.Title))
	}

	if result.Failed == len(p.Items) {
		return result, fmt.Errorf("%w (%d items)", ErrAllLookupsFailed, result.Failed)
	}
	return result, nil
}

// lookup 返回最佳相符條目；沒有夠高分的結果時返回 nil, nil
func (e *MetadataEnricher) lookup(ctx context.Context, item MetadataItem, details bool) (*MetadataMatch, error) {
	results, err := e.client.search(ctx, item.MediaType, item.Title, item.Year)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && item.Year > 0 {
		results, err = e.client.search(ctx, item.MediaType, item.Title, 0)
		if err != nil {
			return nil, err
		}
	}

	match := bestMatch(item, results)
	if match == nil || !details {
		return match, nil
	}

	d, err := e.client.details(ctx, item.MediaType, match.TMDbID)
	if err != nil {
		return nil, err
	}
	for _, g := range d.Genres {
		match.Genres = append(match.Genres, g.Name)
	}
	match.Runtime = d.Runtime
	if match.Runtime == 0 && len(d.EpisodeRunTime) > 0 {
		match.Runtime = d.EpisodeRunTime[0]
	}
	match.IMDbID = d.IMDbID
	return match, nil
}

// bestMatch 以標題相似度挑選；前幾名依 TMDb 排序略為加分，年份相同再加分
func bestMatch(item MetadataItem, results []tmdbSearchItem) *MetadataMatch {
	var best *MetadataMatch
	for i, r := range results {
		conf := titleSimilarity(item.Title, r.title())
		if orig := r.originalTitle(); orig != "" && orig != r.title() {
			conf = max(conf, titleSimilarity(item.Title, orig))
		}
		if i < 3 {
			conf += 0.05 * float64(3-i) / 3
		}
		year := r.year()
		if item.Year > 0 && year == item.Year {
			conf += 0.1
		}
		conf = min(conf, 1)

		if conf < MinMatchConfidence || (best != nil && conf <= best.Confidence) {
			continue
		}
		best = &MetadataMatch{
			TMDbID:       r.ID,
			MediaType:    item.MediaType,
			Title:        r.title(),
			Year:         year,
			Overview:     r.Overview,
			PosterPath:   r.PosterPath,
			BackdropPath: r.BackdropPath,
			VoteAverage:  r.VoteAverage,
			Confidence:   conf,
		}
		if orig := r.originalTitle(); orig != r.title() {
			best.OriginalTitle = orig
		}
	}
	return best
}
