package epg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

// JSONAPI queries a JSON listings endpoint:
//
//	GET <URL>?channel=<external id>&days=<n>
//	[{"start": ..., "stop": ..., "title": ..., "subTitle": ...,
//	  "desc": ..., "category": [...], "episodeNum": ...}]
//
// The array may also come wrapped as {"programmes": [...]} or {"programs": [...]}.
// start and stop may be strings in any ParseInstant form or epoch numbers.
type JSONAPI struct {
	URL    string
	Client *http.Client
	Policy httpclient.RetryPolicy
}

func NewJSONAPI(endpoint string, client *http.Client) *JSONAPI {
	return &JSONAPI{URL: endpoint, Client: client, Policy: httpclient.DefaultRetryPolicy}
}

func (j *JSONAPI) Name() string { return "json" }

type jsonInstant string

func (t *jsonInstant) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = jsonInstant(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = jsonInstant(n.String())
	return nil
}

type jsonProgramme struct {
	Start      jsonInstant `json:"start"`
	Stop       jsonInstant `json:"stop"`
	Title      string      `json:"title"`
	SubTitle   string      `json:"subTitle"`
	Desc       string      `json:"desc"`
	Category   []string    `json:"category"`
	EpisodeNum string      `json:"episodeNum"`
}

func (j *JSONAPI) FetchProgrammes(ctx context.Context, externalID string, days int) ([]RawProgramme, error) {
	u, err := url.Parse(j.URL)
	if err != nil {
		return nil, fmt.Errorf("json provider url: %w", err)
	}
	q := u.Query()
	q.Set("channel", externalID)
	q.Set("days", strconv.Itoa(days))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpclient.DoWithRetry(ctx, j.Client, req, j.Policy)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("json provider %s: %w", safeurl.Redact(j.URL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("json provider: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read listings: %w", err)
	}
	list, err := decodeListings(data)
	if err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}
	out := make([]RawProgramme, 0, len(list))
	for _, p := range list {
		out = append(out, RawProgramme{
			Start:      string(p.Start),
			Stop:       string(p.Stop),
			Title:      p.Title,
			SubTitle:   p.SubTitle,
			Desc:       p.Desc,
			Categories: p.Category,
			EpisodeNum: p.EpisodeNum,
		})
	}
	return out, nil
}

func decodeListings(data []byte) ([]jsonProgramme, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []jsonProgramme
		err := json.Unmarshal(raw, &list)
		return list, err
	}
	var body struct {
		Programmes []jsonProgramme `json:"programmes"`
		Programs   []jsonProgramme `json:"programs"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	if body.Programmes != nil {
		return body.Programmes, nil
	}
	return body.Programs, nil
}
