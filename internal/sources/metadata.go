package sources

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"
)

const maxDescriptionLength = 300

// OpenGraphFetcher reads the title and OpenGraph tags of an HTML page
type OpenGraphFetcher struct {
	client *resty.Client
}

// Ensure OpenGraphFetcher implements MetadataFetcher
var _ MetadataFetcher = (*OpenGraphFetcher)(nil)

// NewOpenGraphFetcher creates a new metadata fetcher
func NewOpenGraphFetcher() *OpenGraphFetcher {
	return &OpenGraphFetcher{
		client: resty.New().
			SetTimeout(15*time.Second).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
			SetHeader("User-Agent", "citewalk-preview/1.0").
			SetHeader("Accept", "text/html"),
	}
}

// Fetch downloads url and extracts its preview metadata
func (o *OpenGraphFetcher) Fetch(ctx context.Context, url string) (*Metadata, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		Get(url)

	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("page returned status %d", resp.StatusCode())
	}

	doc, err := html.Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return extractMetadata(doc), nil
}

// extractMetadata prefers OpenGraph tags over the <title> element and the
// plain description meta tag
func extractMetadata(doc *html.Node) *Metadata {
	meta := &Metadata{}
	var title, description string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = extractTextContent(n)
				}
			case "meta":
				key := strings.ToLower(attr(n, "property"))
				if key == "" {
					key = strings.ToLower(attr(n, "name"))
				}
				content := strings.TrimSpace(attr(n, "content"))
				switch key {
				case "og:title":
					meta.Title = content
				case "og:description":
					meta.Description = content
				case "og:site_name":
					meta.SiteName = content
				case "og:image":
					meta.Image = content
				case "description":
					description = content
				}
			case "body":
				// Everything we read lives in <head>
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if meta.Title == "" {
		meta.Title = title
	}
	if meta.Description == "" {
		meta.Description = description
	}
	meta.Description = truncateText(meta.Description, maxDescriptionLength)

	return meta
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func extractTextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}

	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		text.WriteString(extractTextContent(c))
		text.WriteString(" ")
	}

	return strings.TrimSpace(text.String())
}

func truncateText(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}

	truncated := string(runes[:maxLength])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > 0 {
		truncated = truncated[:lastSpace]
	}

	return truncated + "..."
}
