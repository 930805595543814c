package tasks

// ============================================================================
// 職責說明：
// 1. TMDb v3 API 最小客戶端：搜尋電影 / 劇集、取得詳情
// 2. 以 Bearer token 驗證，每個請求帶上 language
// 3. 所有請求共用 rate.Limiter，並遵守 ctx 取消
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// TMDb 搜尋類型
const (
	tmdbMovie = "movie"
	tmdbTV    = "tv"
)

// tmdbSearchItem 搜尋結果的一筆；電影用 title / release_date，劇集用 name / first_air_date
type tmdbSearchItem struct {
	ID            int     `json:"id"`
	Title         string  `json:"title"`
	Name          string  `json:"name"`
	OriginalTitle string  `json:"original_title"`
	OriginalName  string  `json:"original_name"`
	Overview      string  `json:"overview"`
	PosterPath    string  `json:"poster_path"`
	BackdropPath  string  `json:"backdrop_path"`
	ReleaseDate   string  `json:"release_date"`
	FirstAirDate  string  `json:"first_air_date"`
	VoteAverage   float64 `json:"vote_average"`
}

func (r tmdbSearchItem) title() string {
	if r.Title != "" {
		return r.Title
	}
	return r.Name
}

func (r tmdbSearchItem) originalTitle() string {
	if r.OriginalTitle != "" {
		return r.OriginalTitle
	}
	return r.OriginalName
}

func (r tmdbSearchItem) year() int {
	date := r.ReleaseDate
	if date == "" {
		date = r.FirstAirDate
	}
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}

type tmdbSearchPage struct {
	Page    int              `json:"page"`
	Results []tmdbSearchItem `json:"results"`
}

// tmdbDetails /movie/{id} 與 /tv/{id} 共用的欄位
type tmdbDetails struct {
	Genres []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"genres"`
	Runtime        int    `json:"runtime"`
	EpisodeRunTime []int  `json:"episode_run_time"`
	IMDbID         string `json:"imdb_id"`
	Status         string `json:"status"`
	Tagline        string `json:"tagline"`
}

// tmdbClient TMDb API 客戶端
type tmdbClient struct {
	baseURL  string
	apiKey   string
	language string
	http     *http.Client
	limiter  *rate.Limiter
}

func (c *tmdbClient) search(ctx context.Context, kind, query string, year int) ([]tmdbSearchItem, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("page", "1")
	if year > 0 {
		if kind == tmdbTV {
			params.Set("first_air_date_year", strconv.Itoa(year))
		} else {
			params.Set("year", strconv.Itoa(year))
		}
	}

	var page tmdbSearchPage
	if err := c.get(ctx, "/search/"+kind, params, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (c *tmdbClient) details(ctx context.Context, kind string, id int) (tmdbDetails, error) {
	var d tmdbDetails
	err := c.get(ctx, "/"+kind+"/"+strconv.Itoa(id), url.Values{}, &d)
	return d, err
}

func (c *tmdbClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if c.language != "" {
		params.Set("language", c.language)
	}
	reqURL := strings.TrimRight(c.baseURL, "/") + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TMDb %s: HTTP %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("TMDb %s: decode response: %w", endpoint, err)
	}
	return nil
}

// titleSimilarity 0~1 的標題相似度：完全相同為 1，前綴為 0.9，
// 其餘以共同詞數計分，結果多出的詞會再扣分
func titleSimilarity(query, result string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	r := strings.ToLower(strings.TrimSpace(result))
	if q == "" || r == "" {
		return 0
	}
	if q == r {
		return 1
	}
	if strings.HasPrefix(r, q+" ") || strings.HasPrefix(q, r+" ") {
		return 0.9
	}

	qWords := strings.Fields(q)
	rWords := strings.Fields(r)
	inResult := make(map[string]bool, len(rWords))
	for _, w := range rWords {
		inResult[w] = true
	}
	shared := 0
	for _, w := range qWords {
		if inResult[w] {
			shared++
		}
	}

	longest := max(len(qWords), len(rWords))
	score := float64(shared) / float64(longest)
	if len(rWords) > len(qWords) {
		score *= float64(len(qWords)) / float64(len(rWords))
	}
	return score
}
