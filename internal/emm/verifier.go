package emm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mdmproxy/pkg/cache"
	"mdmproxy/pkg/metrics"
	"mdmproxy/pkg/problems"
)

const (
	listPageSize = 100
	// maxListPages bounds the enterprise listing walk. A provider bug that
	// hands out page tokens forever must not hang registration.
	maxListPages = 50
)

type serviceTokens interface {
	Token(ctx context.Context) (string, error)
}

// Verifier answers whether an enterprise id belongs to this service account
// by walking the provider's paginated enterprise listing.
type Verifier struct {
	tokens  serviceTokens
	apiBase string
	client  HTTPDoer
	cache   cache.Cache
	ttl     time.Duration
	log     *zap.SugaredLogger
}

func NewVerifier(tokens serviceTokens, apiBase string, client HTTPDoer, c cache.Cache, ttl time.Duration, log *zap.SugaredLogger) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if c == nil {
		c = cache.NewMemory()
	}
	return &Verifier{
		tokens:  tokens,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  client,
		cache:   c,
		ttl:     ttl,
		log:     log,
	}
}

type enterprisePage struct {
	Enterprises []struct {
		Name string `json:"name"`
	} `json:"enterprises"`
	NextPageToken string `json:"nextPageToken"`
}

// IsManaged reports whether enterpriseID appears anywhere in the listing,
// including on the last page. Only positive answers are cached; a miss is
// re-checked every time so a just-provisioned enterprise is not locked out.
// "Not managed" is only answered after the whole listing has been walked; a
// listing that still pages past the cap is an upstream failure, not a miss.
func (v *Verifier) IsManaged(ctx context.Context, enterpriseID string) (bool, error) {
	cacheKey := "emm:managed:" + enterpriseID
	if _, ok := v.cache.Get(ctx, cacheKey); ok {
		return true, nil
	}
	token, err := v.tokens.Token(ctx)
	if err != nil {
		return false, err
	}

	pageToken := ""
	for page := 0; page < maxListPages; page++ {
		pg, err := v.listPage(ctx, token, pageToken)
		if err != nil {
			return false, err
		}
		for _, e := range pg.Enterprises {
			if e.Name == enterpriseID || e.Name == "enterprises/"+enterpriseID {
				v.cache.Set(ctx, cacheKey, "1", v.ttl)
				return true, nil
			}
		}
		if pg.NextPageToken == "" {
			return false, nil
		}
		pageToken = pg.NextPageToken
	}
	v.log.Warnw("enterprise listing page cap reached", "enterprise_id", enterpriseID, "pages", maxListPages)
	return false, fmt.Errorf("enterprise listing (enterprise %s): still paging after %d pages: %w",
		enterpriseID, maxListPages, problems.ErrUpstream)
}

func (v *Verifier) listPage(ctx context.Context, token, pageToken string) (enterprisePage, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(listPageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.apiBase+"/enterprises?"+q.Encode(), nil)
	if err != nil {
		return enterprisePage{}, fmt.Errorf("build enterprise listing request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := v.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("emm", "list_enterprises", 0, time.Since(start))
		return enterprisePage{}, problems.Upstream("enterprise listing", "", err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("emm", "list_enterprises", resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return enterprisePage{}, problems.UpstreamStatus("enterprise listing", "", resp.StatusCode)
	}
	var pg enterprisePage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBodyBytes)).Decode(&pg); err != nil {
		return enterprisePage{}, fmt.Errorf("enterprise listing: %w: %w", problems.ErrUpstreamParse, err)
	}
	return pg, nil
}
