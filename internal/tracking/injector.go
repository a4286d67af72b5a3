// Package tracking rewrites outbound HTML for click/open tracking and
// unsubscribe compliance, and issues the signed unsubscribe tokens the
// tracking endpoints verify.
package tracking

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ShortcodeRegistry resolves a (campaign, URL) pair to a stable short code.
// Repeated URLs within a campaign must yield the same code.
type ShortcodeRegistry interface {
	FindOrCreate(ctx context.Context, campaignID, url string) (string, error)
}

// Injector rewrites campaign HTML before it is handed to a transport.
type Injector struct {
	registry ShortcodeRegistry
	baseURL  string
}

// NewInjector creates an injector. baseURL is the public root of the
// tracking endpoints, without a trailing slash.
func NewInjector(registry ShortcodeRegistry, baseURL string) *Injector {
	return &Injector{registry: registry, baseURL: strings.TrimRight(baseURL, "/")}
}

var hrefRe = regexp.MustCompile(`href=["']([^"']+)["']`)

// InjectAll applies the full rewrite pipeline: click-tracking link rewrite,
// unsubscribe footer, then the open pixel. Link rewriting must run first so
// the pixel and unsubscribe URLs are never themselves turned into tracked
// clicks.
func (in *Injector) InjectAll(ctx context.Context, html, campaignID, trackingToken, unsubToken string) (string, error) {
	out, err := in.RewriteLinks(ctx, html, campaignID, trackingToken)
	if err != nil {
		return "", err
	}
	out = in.appendBeforeBodyClose(out, in.unsubscribeFooter(unsubToken))
	out = in.appendBeforeBodyClose(out, in.openPixel(trackingToken))
	return out, nil
}

// RewriteLinks replaces every trackable href with a redirect URL keyed by a
// per-(campaign, URL) short code. Fragment, mailto:, tel:, and unsubscribe
// links are left untouched.
func (in *Injector) RewriteLinks(ctx context.Context, html, campaignID, trackingToken string) (string, error) {
	var rewriteErr error
	out := hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		if rewriteErr != nil {
			return match
		}
		target := hrefRe.FindStringSubmatch(match)[1]
		if !trackable(target) || strings.HasPrefix(target, in.baseURL+"/") {
			return match
		}
		code, err := in.registry.FindOrCreate(ctx, campaignID, target)
		if err != nil {
			rewriteErr = fmt.Errorf("shortcode for %q: %w", target, err)
			return match
		}
		return fmt.Sprintf(`href="%s/track/click/%s/%s"`, in.baseURL, code, trackingToken)
	})
	if rewriteErr != nil {
		return "", rewriteErr
	}
	return out, nil
}

// ComplianceHeaders returns the transport-level headers required for bulk
// sending compliance.
func (in *Injector) ComplianceHeaders(unsubToken, campaignID string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      fmt.Sprintf("<%s>", in.UnsubscribeURL(unsubToken)),
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		"Precedence":            "bulk",
		"Feedback-ID":           fmt.Sprintf("%s:campaign-dispatch", campaignID),
	}
}

// UnsubscribeURL builds the public unsubscribe URL for a token.
func (in *Injector) UnsubscribeURL(unsubToken string) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s", in.baseURL, unsubToken)
}

func (in *Injector) unsubscribeFooter(unsubToken string) string {
	return fmt.Sprintf(
		`<p style="font-size:12px;color:#888888;text-align:center;margin-top:24px;">`+
			`You received this email because you subscribed to our list. `+
			`<a href="%s">Unsubscribe</a></p>`,
		in.UnsubscribeURL(unsubToken))
}

func (in *Injector) openPixel(trackingToken string) string {
	return fmt.Sprintf(
		`<img src="%s/track/open/%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		in.baseURL, trackingToken)
}

// appendBeforeBodyClose inserts fragment immediately before the closing body
// tag, or at document end if the document has none.
func (in *Injector) appendBeforeBodyClose(html, fragment string) string {
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + fragment + html[idx:]
	}
	return html + fragment
}

func trackable(target string) bool {
	switch {
	case target == "", strings.HasPrefix(target, "#"):
		return false
	case strings.HasPrefix(strings.ToLower(target), "mailto:"):
		return false
	case strings.HasPrefix(strings.ToLower(target), "tel:"):
		return false
	case strings.Contains(target, "/track/unsubscribe/"):
		return false
	}
	return true
}
