package precache

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/fetcher"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
	"github.com/rohmanhakim/offline-agent/pkg/urlutil"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

/*
Auditor checks that the precache list covers the application shell.

  - Every precache entry must answer 2xx
  - Same-origin resources referenced by the entry page and the web manifest
    should be precached, or the app breaks offline

The audit only reads from the origin. It never touches a cache store.
*/

// referenceSelectors maps elements to the attribute holding their URL.
var referenceSelectors = []struct {
	selector string
	attr     string
}{
	{"img[src]", "src"},
	{"link[href]", "href"},
	{"script[src]", "src"},
	{"source[src]", "src"},
}

type Reference struct {
	// Path is the origin-relative request URI, e.g. "/auto.png"
	Path string
	// Source is the document the reference was found in.
	Source string
}

type BrokenEntry struct {
	Path   string
	Status int
	Reason string
}

type Report struct {
	Origin     string
	Precached  []string
	References []Reference
	// Missing are referenced paths absent from the precache list.
	Missing []Reference
	// Broken are precache entries that would fail install.
	Broken []BrokenEntry
}

// OK reports whether install would succeed and cover every reference.
func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Broken) == 0
}

type Auditor struct {
	origin       url.URL
	precacheURLs []string
	entryPage    string
	webManifest  string
	fetcher      fetcher.Fetcher
	metadataSink metadata.MetadataSink
}

func NewAuditor(cfg config.Config, fetcher fetcher.Fetcher, metadataSink metadata.MetadataSink) *Auditor {
	return &Auditor{
		origin:       cfg.Origin(),
		precacheURLs: cfg.PrecacheURLs(),
		entryPage:    cfg.EntryPage(),
		webManifest:  cfg.WebManifest(),
		fetcher:      fetcher,
		metadataSink: metadataSink,
	}
}

type fetched struct {
	url  url.URL
	resp exchange.Response
	err  failure.ClassifiedError
}

// Audit fetches the precache list, the entry page and the web manifest.
// The report is filled as far as possible even when an error is returned.
func (a *Auditor) Audit(ctx context.Context) (Report, failure.ClassifiedError) {
	report := Report{
		Origin:    urlutil.Origin(a.origin),
		Precached: slices.Clone(a.precacheURLs),
	}

	paths := slices.Clone(a.precacheURLs)
	for _, extra := range []string{a.entryPage, a.webManifest} {
		if extra != "" && !slices.Contains(paths, extra) {
			paths = append(paths, extra)
		}
	}

	results, err := a.fetchAll(ctx, paths)
	if err != nil {
		return report, err
	}

	precached := map[string]bool{}
	for _, path := range a.precacheURLs {
		result := results[path]
		precached[requestURI(result.url)] = true
		if broken, ok := brokenEntry(path, result); ok {
			report.Broken = append(report.Broken, broken)
			cause := metadata.CauseContentInvalid
			if result.err != nil {
				cause = metadata.CauseNetworkFailure
			}
			a.recordError(fmt.Sprintf("%s: %s", path, broken.Reason), cause, path)
		}
	}

	var auditErr failure.ClassifiedError
	if a.entryPage != "" {
		refs, err := a.scanEntryPage(results[a.entryPage])
		report.References = append(report.References, refs...)
		if err != nil {
			auditErr = err
		}
	}
	if a.webManifest != "" {
		refs, err := a.scanManifest(results[a.webManifest])
		report.References = append(report.References, refs...)
		if err != nil && auditErr == nil {
			auditErr = err
		}
	}

	report.References = dedupe(report.References)
	for _, ref := range report.References {
		if !precached[ref.Path] {
			report.Missing = append(report.Missing, ref)
		}
	}
	return report, auditErr
}

func (a *Auditor) fetchAll(ctx context.Context, paths []string) (map[string]fetched, failure.ClassifiedError) {
	targets := make([]url.URL, len(paths))
	for i, path := range paths {
		target, err := urlutil.Resolve(a.origin, path)
		if err != nil {
			auditErr := &AuditError{
				Message:   fmt.Sprintf("%s: %v", path, err),
				Retryable: false,
				Cause:     ErrCauseInvalidPath,
			}
			a.recordError(auditErr.Error(), mapAuditErrorToMetadataCause(auditErr), path)
			return nil, auditErr
		}
		targets[i] = target
	}

	results := make([]fetched, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, target := range targets {
		group.Go(func() error {
			resp, err := a.fetcher.Fetch(groupCtx, exchange.NewGetRequest(target))
			results[i] = fetched{url: target, resp: resp, err: err}
			return nil
		})
	}
	_ = group.Wait()

	byPath := make(map[string]fetched, len(paths))
	for i, path := range paths {
		byPath[path] = results[i]
	}
	return byPath, nil
}

func brokenEntry(path string, result fetched) (BrokenEntry, bool) {
	if result.err != nil {
		return BrokenEntry{Path: path, Reason: result.err.Error()}, true
	}
	if !result.resp.OK() {
		return BrokenEntry{Path: path, Status: result.resp.Status(), Reason: result.resp.StatusText()}, true
	}
	return BrokenEntry{}, false
}

// scanEntryPage collects same-origin resource references of the entry page.
func (a *Auditor) scanEntryPage(page fetched) ([]Reference, failure.ClassifiedError) {
	if page.err != nil || !page.resp.OK() {
		err := &AuditError{
			Message:   fmt.Sprintf("%s: %s", a.entryPage, describe(page)),
			Retryable: true,
			Cause:     ErrCauseEntryPageUnavailable,
		}
		a.recordError(err.Error(), mapAuditErrorToMetadataCause(err), a.entryPage)
		return nil, err
	}

	root, parseErr := html.Parse(bytes.NewReader(page.resp.Body()))
	if parseErr != nil {
		err := &AuditError{
			Message:   parseErr.Error(),
			Retryable: false,
			Cause:     ErrCauseEntryPageUnparseable,
		}
		a.recordError(err.Error(), mapAuditErrorToMetadataCause(err), a.entryPage)
		return nil, err
	}
	doc := goquery.NewDocumentFromNode(root)

	base := page.resp.URL()
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := resolveAgainst(base, href); err == nil {
			base = resolved
		}
	}

	var refs []Reference
	for _, rs := range referenceSelectors {
		doc.Find(rs.selector).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(rs.attr)
			if ref, ok := a.reference(base, raw, a.entryPage); ok {
				refs = append(refs, ref)
			}
		})
	}
	return refs, nil
}

// scanManifest collects start_url and icon sources of the web manifest.
// Members resolve against the manifest URL.
func (a *Auditor) scanManifest(manifest fetched) ([]Reference, failure.ClassifiedError) {
	if manifest.err != nil || !manifest.resp.OK() {
		err := &AuditError{
			Message:   fmt.Sprintf("%s: %s", a.webManifest, describe(manifest)),
			Retryable: true,
			Cause:     ErrCauseManifestUnavailable,
		}
		a.recordError(err.Error(), mapAuditErrorToMetadataCause(err), a.webManifest)
		return nil, err
	}

	body := manifest.resp.Body()
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		err := &AuditError{
			Message:   fmt.Sprintf("%s is not a JSON object", a.webManifest),
			Retryable: false,
			Cause:     ErrCauseManifestInvalid,
		}
		a.recordError(err.Error(), mapAuditErrorToMetadataCause(err), a.webManifest)
		return nil, err
	}

	base := manifest.resp.URL()
	doc := gjson.ParseBytes(body)
	var raws []string
	if startURL := doc.Get("start_url"); startURL.Type == gjson.String {
		raws = append(raws, startURL.Str)
	}
	doc.Get("icons.#.src").ForEach(func(_, src gjson.Result) bool {
		if src.Type == gjson.String {
			raws = append(raws, src.Str)
		}
		return true
	})

	var refs []Reference
	for _, raw := range raws {
		if ref, ok := a.reference(base, raw, a.webManifest); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (a *Auditor) reference(base url.URL, raw string, source string) (Reference, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "#") {
		return Reference{}, false
	}
	target, err := resolveAgainst(base, raw)
	if err != nil || !urlutil.SameOrigin(target, a.origin) {
		return Reference{}, false
	}
	return Reference{Path: requestURI(target), Source: source}, true
}

func resolveAgainst(base url.URL, raw string) (url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, err
	}
	return *base.ResolveReference(ref), nil
}

// requestURI is the canonical path and query of u.
func requestURI(u url.URL) string {
	canonical := urlutil.Canonicalize(u)
	return canonical.RequestURI()
}

func dedupe(refs []Reference) []Reference {
	seen := map[string]bool{}
	var out []Reference
	for _, ref := range refs {
		if seen[ref.Path] {
			continue
		}
		seen[ref.Path] = true
		out = append(out, ref)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})
	return out
}

func describe(result fetched) string {
	if result.err != nil {
		return result.err.Error()
	}
	return fmt.Sprintf("status %d", result.resp.Status())
}

func (a *Auditor) recordError(details string, cause metadata.ErrorCause, path string) {
	a.metadataSink.RecordError(
		time.Now(),
		"precache",
		"Auditor.Audit",
		cause,
		details,
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, path),
		},
	)
}
