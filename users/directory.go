package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

const (
	DefaultDirectoryUrl = "https://www.ebi.ac.uk/ebisearch/ws/rest/ebiweb_people"

	// Lookups per second against the directory service.
	DefaultRateLimit = 2

	lookupAttempts = 5

	// Consecutive hard failures after which the service is considered down
	// and resolution degrades to override-only for the rest of the run.
	unavailableThreshold = 3
)

var ErrNotFound = errors.New("no directory entry")

// Person is the directory's view of a user.
type Person struct {
	Name     string
	Position string
	Teams    []string
}

// DirectoryClient queries the people-search service.  Lookups are
// rate-limited and retried a bounded number of times; after enough
// consecutive hard failures the client turns itself off so that an outage
// degrades the run instead of stalling it.
type DirectoryClient struct {
	baseUrl string
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	failures int
	down     bool
}

func NewDirectoryClient(baseUrl string, perSecond float64) *DirectoryClient {
	if baseUrl == "" {
		baseUrl = DefaultDirectoryUrl
	}
	if perSecond <= 0 {
		perSecond = DefaultRateLimit
	}
	return &DirectoryClient{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Lookup resolves one username.  ErrNotFound means the directory answered
// but has no entry; LookupUnavailableErr means the service is (or has been
// declared) unreachable.
func (dc *DirectoryClient) Lookup(ctx context.Context, login string) (*Person, error) {
	dc.mu.Lock()
	down := dc.down
	dc.mu.Unlock()
	if down {
		return nil, errs.LookupUnavailableErr
	}

	var lastErr error
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		if err := dc.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		person, err := dc.lookupOnce(ctx, login)
		if err == nil {
			dc.noteSuccess()
			return person, nil
		}
		if errors.Is(err, ErrNotFound) {
			dc.noteSuccess()
			return nil, err
		}
		lastErr = err
		common.Log.Debugf("Directory lookup for %s failed (attempt %d): %v",
			login, attempt+1, err)
	}
	dc.noteFailure(login, lastErr)
	return nil, fmt.Errorf("%w: %v", errs.LookupUnavailableErr, lastErr)
}

func (dc *DirectoryClient) noteSuccess() {
	dc.mu.Lock()
	dc.failures = 0
	dc.mu.Unlock()
}

func (dc *DirectoryClient) noteFailure(login string, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.failures++
	if dc.failures >= unavailableThreshold && !dc.down {
		dc.down = true
		common.Log.Warningf("Directory service unavailable (last error for %s: %v), "+
			"falling back to override-only resolution", login, err)
	}
}

// Response shape of the EBI search REST endpoint.
type searchResponse struct {
	Entries []struct {
		Fields struct {
			Email     []string `json:"email"`
			FullName  []string `json:"full_name"`
			Positions []string `json:"positions"`
		} `json:"fields"`
	} `json:"entries"`
}

func (dc *DirectoryClient) lookupOnce(ctx context.Context, login string) (*Person, error) {
	params := url.Values{}
	params.Set("query", login)
	params.Set("size", "100")
	params.Set("format", "JSON")
	params.Set("fields", "email,full_name,positions")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		dc.baseUrl+"/?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("directory returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	for _, entry := range payload.Entries {
		f := entry.Fields
		var email string
		if len(f.Email) > 0 {
			email = f.Email[0]
		}
		if email != login+"@ebi.ac.uk" {
			continue
		}
		person := &Person{}
		if len(f.FullName) > 0 {
			person.Name = f.FullName[0]
		}
		// Positions come as "title | team" pairs; staff-association roles are
		// not organizational teams.
		for _, pos := range f.Positions {
			if strings.Contains(pos, "Staff Association Representative") {
				continue
			}
			values := strings.SplitN(pos, "|", 2)
			if title := strings.TrimSpace(values[0]); person.Position == "" && title != "" {
				person.Position = title
			}
			if len(values) > 1 {
				if team := strings.TrimSpace(values[1]); team != "" {
					person.Teams = append(person.Teams, team)
				}
			}
		}
		return person, nil
	}
	return nil, ErrNotFound
}
