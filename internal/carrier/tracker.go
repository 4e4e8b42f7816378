// Package carrier reads public carrier tracking pages and turns a confirmed
// delivery into a system MarkDelivered signal.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusInTransit Status = "in_transit"
	StatusUnknown   Status = "unknown"
)

var ErrUnknownTracking = errors.New("tracking number not known to carrier")

type Checkpoint struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

type TrackingStatus struct {
	Number      string       `json:"number"`
	Status      Status       `json:"status"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	FetchedAt   time.Time    `json:"fetched_at"`
}

type Tracker struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewTracker(baseURL string, timeout time.Duration, maxRetries int, log *zap.Logger) *Tracker {
	return &Tracker{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:        log,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
}

// Fetch downloads and parses the tracking page for number, retrying
// transport errors and non-200 answers with a linear backoff.
func (t *Tracker) Fetch(ctx context.Context, number string) (*TrackingStatus, error) {
	pageURL := t.baseURL + "/" + url.PathEscape(number)

	var doc *goquery.Document
	var lastErr error

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * t.backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/html")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err := t.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrUnknownTracking, number)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d for %s", resp.StatusCode, pageURL)
			continue
		}

		doc, err = goquery.NewDocumentFromReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		t.log.Debug("tracking fetch failed",
			zap.String("tracking_number", number),
			zap.Int("attempts", t.maxRetries+1),
			zap.Error(lastErr),
		)
		return nil, lastErr
	}

	return parseTrackingPage(doc, number, time.Now().UTC()), nil
}

func parseTrackingPage(doc *goquery.Document, number string, fetchedAt time.Time) *TrackingStatus {
	st := &TrackingStatus{
		Number:      number,
		Status:      StatusUnknown,
		Checkpoints: []Checkpoint{},
		FetchedAt:   fetchedAt,
	}

	doc.Find(".checkpoint").Each(func(_ int, s *goquery.Selection) {
		cp := Checkpoint{Text: strings.TrimSpace(s.Find(".checkpoint-text").Text())}
		if dt, ok := s.Find("time").Attr("datetime"); ok {
			if at, err := time.Parse(time.RFC3339, dt); err == nil {
				cp.At = at.UTC()
			}
		}
		st.Checkpoints = append(st.Checkpoints, cp)
	})

	// Explicit status attribute wins over free text.
	statusEl := doc.Find(".tracking-status").First()
	if v, ok := statusEl.Attr("data-status"); ok {
		st.Status = normalizeStatus(v)
	} else if statusEl.Length() > 0 {
		st.Status = normalizeStatus(statusEl.Text())
	} else if n := len(st.Checkpoints); n > 0 {
		st.Status = normalizeStatus(st.Checkpoints[n-1].Text)
	}

	if st.Status == StatusDelivered {
		for i := len(st.Checkpoints) - 1; i >= 0; i-- {
			cp := st.Checkpoints[i]
			if normalizeStatus(cp.Text) == StatusDelivered && !cp.At.IsZero() {
				at := cp.At
				st.DeliveredAt = &at
				break
			}
		}
	}
	return st
}

var notDelivered = []string{"out for delivery", "not delivered", "delivery attempt", "undelivered", "failed delivery"}

func normalizeStatus(text string) Status {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return StatusUnknown
	}
	for _, phrase := range notDelivered {
		if strings.Contains(text, phrase) {
			return StatusInTransit
		}
	}
	switch {
	case text == "delivered" || strings.HasPrefix(text, "delivered"):
		return StatusDelivered
	case strings.Contains(text, "in transit") || strings.Contains(text, "in_transit") ||
		strings.Contains(text, "accepted") || strings.Contains(text, "departed") || strings.Contains(text, "arrived"):
		return StatusInTransit
	}
	return StatusUnknown
}
