package tasks

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// 媒體類型
const (
	MediaMovie     = "movie"
	MediaTVEpisode = "tv_episode"
	MediaUnknown   = "unknown"
)

// MediaConfig 媒體掃描設定
type MediaConfig struct {
	VideoExtensions []string `yaml:"video_extensions"`
	MaxFileSizeMB   int64    `yaml:"max_file_size_mb"` // <= 0 表示不限制
	SkipHidden      bool     `yaml:"skip_hidden"`
	Recursive       bool     `yaml:"recursive"`
}

// DefaultMediaConfig 返回預設媒體設定
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		VideoExtensions: []string{
			".mp4", ".mkv", ".avi", ".mov", ".wmv",
			".flv", ".webm", ".m4v", ".mpg", ".mpeg",
			".3gp", ".ts", ".m2ts",
		},
		MaxFileSizeMB: 10240,
		SkipHidden:    true,
		Recursive:     true,
	}
}

// ParsedMedia 從檔名推斷的媒體資訊
type ParsedMedia struct {
	Title      string  `json:"title"`
	Year       int     `json:"year,omitempty"`
	Season     int     `json:"season,omitempty"`
	Episode    int     `json:"episode,omitempty"`
	MediaType  string  `json:"media_type"`
	Confidence float64 `json:"confidence"`
}

var (
	moviePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.*?)[\s.\-_]*\((\d{4})\).*$`), // Title (YYYY)
		regexp.MustCompile(`(?i)^(.*?)[\s.\-_]+(\d{4})[\s.\-_].*$`), // Title.YYYY.x
		regexp.MustCompile(`(?i)^(.*?)\s+(\d{4})\s*.*$`),          // Title YYYY
	}

	episodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.*?)[\s.\-_]+s(\d+)e(\d+).*$`),                          // Show S01E02
		regexp.MustCompile(`(?i)^(.*?)[\s.\-_]+(\d+)x(\d+).*$`),                           // Show 1x02
		regexp.MustCompile(`(?i)^(.*?)[\s.\-_]+season[\s.\-_]*(\d+)[\s.\-_]+episode[\s.\-_]*(\d+).*$`), // Show Season 1 Episode 2
		regexp.MustCompile(`(?i)^(.*?)[\s.\-_]+(\d)(\d{2})[\s.\-_].*$`),                   // Show 102
	}

	episodeIndicator = regexp.MustCompile(`(?i)s\d+e\d+|\d+x\d+|season|episode`)

	qualityMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(720p|1080p|1440p|2160p|4K|UHD|HD|SD)\b`),
		regexp.MustCompile(`(?i)\b(BluRay|BRRip|DVDRip|WEBRip|HDTV|WEB-DL)\b`),
		regexp.MustCompile(`(?i)\b(x264|x265|H264|H265|HEVC|AVC)\b`),
		regexp.MustCompile(`(?i)\b(AAC|AC3|DTS|MP3|FLAC)\b`),
		regexp.MustCompile(`(?i)\b(EXTENDED|REMASTERED|DIRECTORS?\.CUT|UNCUT)\b`),
	}

	separators = regexp.MustCompile(`[.\-_]+`)
	spaces     = regexp.MustCompile(`\s+`)
)

// CleanTitle 移除畫質標記並把分隔符號換成空白
func CleanTitle(title string) string {
	for _, re := range qualityMarkers {
		title = re.ReplaceAllString(title, "")
	}
	title = separators.ReplaceAllString(title, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(title, " "))
}

// ParseFilename 從檔名推斷標題、年份或季集
//
// 無法辨識時返回 MediaUnknown，Title 為清理後的檔名。
func ParseFilename(name string) ParsedMedia {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if episodeIndicator.MatchString(base) {
		if parsed, ok := parseEpisode(stem); ok {
			return parsed
		}
	}
	if parsed, ok := parseMovie(stem); ok {
		return parsed
	}

	title := CleanTitle(stem)
	if title == "" {
		title = stem
	}
	return ParsedMedia{Title: title, MediaType: MediaUnknown}
}

func parseEpisode(stem string) (ParsedMedia, bool) {
	for i, re := range episodePatterns {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		title := CleanTitle(m[1])
		season, _ := strconv.Atoi(m[2])
		episode, _ := strconv.Atoi(m[3])
		if title == "" || season <= 0 || episode <= 0 {
			continue
		}
		return ParsedMedia{
			Title:      title,
			Season:     season,
			Episode:    episode,
			MediaType:  MediaTVEpisode,
			Confidence: 0.95 - float64(i)*0.05,
		}, true
	}
	return ParsedMedia{}, false
}

func parseMovie(stem string) (ParsedMedia, bool) {
	for i, re := range moviePatterns {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		title := CleanTitle(m[1])
		if title == "" {
			continue
		}
		year, _ := strconv.Atoi(m[2])
		return ParsedMedia{
			Title:      title,
			Year:       year,
			MediaType:  MediaMovie,
			Confidence: 0.9 - float64(i)*0.1,
		}, true
	}

	// 只有標題，沒有年份
	if title := CleanTitle(stem); title != "" {
		return ParsedMedia{Title: title, MediaType: MediaMovie, Confidence: 0.3}, true
	}
	return ParsedMedia{}, false
}

// isVideo 比對副檔名（不分大小寫）
func (c MediaConfig) isVideo(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, v := range c.VideoExtensions {
		if strings.ToLower(v) == ext {
			return true
		}
	}
	return false
}
