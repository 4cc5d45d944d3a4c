// Package youtube looks up video metadata through the YouTube Data API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// ErrNotFound is returned when the API knows no video with the given id
var ErrNotFound = errors.New("video not found")

// Metadata reads video details from the Data API v3
type Metadata struct {
	service *youtube.Service
}

// NewMetadata creates a Metadata client authenticated with an API key
func NewMetadata(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Metadata, error) {
	if apiKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	}

	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube service: %w", err)
	}

	return &Metadata{service: service}, nil
}

// Duration returns the length of a video
func (m *Metadata) Duration(ctx context.Context, videoID string) (time.Duration, error) {
	response, err := m.service.Videos.List([]string{"contentDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to list video: %w", err)
	}

	if len(response.Items) == 0 || response.Items[0].ContentDetails == nil {
		return 0, ErrNotFound
	}

	return ParseDuration(response.Items[0].ContentDetails.Duration)
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses the ISO 8601 durations the API returns, e.g. "PT1H2M3S"
func ParseDuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}

	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		d += time.Duration(n) * unit
	}

	if m[4] != "" {
		seconds, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		d += time.Duration(seconds * float64(time.Second))
	}

	return d, nil
}
