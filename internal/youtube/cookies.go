package youtube

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// LoadCookieFile reads a Netscape format cookie file, the format browser
// exporters and yt-dlp use. Only youtube.com and google.com cookies are kept.
func LoadCookieFile(path string) ([]models.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer f.Close()

	var cookies []models.Cookie
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// #HttpOnly_ prefixed lines are real cookies
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}

		domain := fields[0]
		if !strings.HasSuffix(domain, "youtube.com") && !strings.HasSuffix(domain, "google.com") {
			continue
		}

		cookies = append(cookies, models.Cookie{
			Domain: domain,
			Path:   fields[2],
			Name:   fields[5],
			Value:  fields[6],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}

	return cookies, nil
}
