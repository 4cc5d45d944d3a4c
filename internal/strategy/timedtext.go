package strategy

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"html"
	"regexp"
	"strings"
)

// playerResponse is the part of the /player response and of the watch page's
// ytInitialPlayerResponse that lists caption tracks
type playerResponse struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" = auto-generated
}

func (p *playerResponse) tracks() []captionTrack {
	if p.Captions == nil {
		return nil
	}
	return p.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
}

// needsPoToken reports whether a track URL only works inside a browser
func needsPoToken(baseURL string) bool {
	return strings.Contains(baseURL, "&exp=xpe")
}

// pickTrack prefers a manual track in a preferred language, then an automatic
// one, then any English track, then the first usable one
func pickTrack(tracks []captionTrack, langs []string) (captionTrack, bool) {
	usable := make([]captionTrack, 0, len(tracks))
	for _, t := range tracks {
		if t.BaseURL != "" && !needsPoToken(t.BaseURL) {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return captionTrack{}, false
	}

	for _, lang := range langs {
		for _, t := range usable {
			if t.LanguageCode == lang && t.Kind != "asr" {
				return t, true
			}
		}
	}
	for _, lang := range langs {
		for _, t := range usable {
			if t.LanguageCode == lang {
				return t, true
			}
		}
	}
	for _, t := range usable {
		if strings.HasPrefix(t.LanguageCode, "en") {
			return t, true
		}
	}
	return usable[0], true
}

type timedText struct {
	Lines []struct {
		Text string `xml:",innerxml"`
	} `xml:"text"`
	Paragraphs []struct {
		Text string `xml:",innerxml"`
	} `xml:"body>p"`
}

type json3 struct {
	Events []struct {
		Segs []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

type getTranscriptResponse struct {
	Actions []struct {
		UpdateEngagementPanelAction *struct {
			Content struct {
				TranscriptRenderer struct {
					Content struct {
						TranscriptSearchPanelRenderer struct {
							Body struct {
								TranscriptSegmentListRenderer struct {
									InitialSegments []struct {
										TranscriptSegmentRenderer *struct {
											Snippet struct {
												Runs []struct {
													Text string `json:"text"`
												} `json:"runs"`
											} `json:"snippet"`
										} `json:"transcriptSegmentRenderer"`
									} `json:"initialSegments"`
								} `json:"transcriptSegmentListRenderer"`
							} `json:"body"`
						} `json:"transcriptSearchPanelRenderer"`
					} `json:"content"`
				} `json:"transcriptRenderer"`
			} `json:"content"`
		} `json:"updateEngagementPanelAction"`
	} `json:"actions"`
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// cleanLine strips markup and decodes entities; timedtext is often escaped twice
func cleanLine(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(html.UnescapeString(s))
	return strings.Join(strings.Fields(s), " ")
}

type lineWriter struct {
	sb strings.Builder
}

func (w *lineWriter) add(s string) {
	s = cleanLine(s)
	if s == "" {
		return
	}
	if w.sb.Len() > 0 {
		w.sb.WriteByte(' ')
	}
	w.sb.WriteString(s)
}

// parseTranscript extracts plain text from any transcript payload the site
// serves: timedtext XML (srv1 and srv3), json3, or a get_transcript response.
// It returns "" when the payload has no text or is malformed.
func parseTranscript(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var w lineWriter
	switch body[0] {
	case '{':
		var events json3
		if err := json.Unmarshal(body, &events); err == nil && len(events.Events) > 0 {
			for _, ev := range events.Events {
				var line strings.Builder
				for _, seg := range ev.Segs {
					line.WriteString(seg.UTF8)
				}
				w.add(line.String())
			}
			return w.sb.String()
		}

		var panel getTranscriptResponse
		if err := json.Unmarshal(body, &panel); err == nil {
			for _, action := range panel.Actions {
				if action.UpdateEngagementPanelAction == nil {
					continue
				}
				segs := action.UpdateEngagementPanelAction.Content.
					TranscriptRenderer.Content.
					TranscriptSearchPanelRenderer.Body.
					TranscriptSegmentListRenderer.InitialSegments
				for _, seg := range segs {
					if seg.TranscriptSegmentRenderer == nil {
						continue
					}
					for _, run := range seg.TranscriptSegmentRenderer.Snippet.Runs {
						w.add(run.Text)
					}
				}
			}
		}
		return w.sb.String()

	case '<':
		var tt timedText
		if err := xml.Unmarshal(body, &tt); err != nil {
			return ""
		}
		for _, line := range tt.Lines {
			w.add(line.Text)
		}
		for _, p := range tt.Paragraphs {
			w.add(p.Text)
		}
		return w.sb.String()
	}

	return ""
}

const initialPlayerResponseMarker = "ytInitialPlayerResponse = "

// extractPlayerResponse finds ytInitialPlayerResponse in a watch page
func extractPlayerResponse(page []byte) (*playerResponse, bool) {
	idx := bytes.Index(page, []byte(initialPlayerResponseMarker))
	if idx < 0 {
		return nil, false
	}

	raw := extractJSON(page[idx+len(initialPlayerResponseMarker):])
	if raw == nil {
		return nil, false
	}

	var resp playerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// extractJSON returns the balanced JSON object at the start of b
func extractJSON(b []byte) []byte {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}

	depth := 0
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1]
			}
		}
	}
	return nil
}
