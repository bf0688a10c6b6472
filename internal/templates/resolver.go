// Package templates turns a stored bilingual template plus variables into
// ready-to-send subject and bodies.
package templates

import (
	"context"
	"fmt"
	"strings"

	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/models"
)

type Resolver struct {
	source Source
	cache  *Cache
	log    logger.Logger
}

func NewResolver(source Source, cache *Cache, log logger.Logger) *Resolver {
	return &Resolver{
		source: source,
		cache:  cache,
		log:    logger.ForComponent(log, "template-resolver"),
	}
}

// Resolve loads the active template, picks the language variant field by
// field and substitutes {{key}} placeholders. It fails with a
// TEMPLATE_NOT_FOUND error when no active template has that code.
func (r *Resolver) Resolve(ctx context.Context, code, lang string, vars map[string]interface{}) (*models.ResolvedContent, error) {
	t, err := r.load(ctx, code)
	if err != nil {
		return nil, err
	}

	subject := pick(lang, t.SubjectEN, t.SubjectAR)
	html := pick(lang, t.BodyHTMLEN, t.BodyHTMLAR)

	content := &models.ResolvedContent{
		Subject:  Render(subject, vars),
		BodyHTML: Render(html, vars),
	}

	var textEN string
	if t.BodyTextEN != nil {
		textEN = *t.BodyTextEN
	}
	if text := pick(lang, textEN, t.BodyTextAR); text != "" {
		rendered := Render(text, vars)
		content.BodyText = &rendered
	}
	return content, nil
}

// Invalidate drops the cached copy of a template after it was edited or
// deactivated. Until then a cached template keeps resolving for the cache TTL.
func (r *Resolver) Invalidate(ctx context.Context, code string) error {
	return r.cache.Invalidate(ctx, code)
}

func (r *Resolver) load(ctx context.Context, code string) (*models.Template, error) {
	cached, err := r.cache.Get(ctx, code)
	if err != nil {
		r.log.Warn("template cache read failed", map[string]interface{}{
			"template_code": code,
			"error":         err.Error(),
		})
	}
	if cached != nil {
		return cached, nil
	}

	t, err := r.source.GetActive(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, t); err != nil {
		r.log.Warn("template cache write failed", map[string]interface{}{
			"template_code": code,
			"error":         err.Error(),
		})
	}
	return t, nil
}

// pick returns the Arabic value only for lang "ar" when it is non-empty.
func pick(lang, en string, ar *string) string {
	if lang == models.LanguageArabic && ar != nil && *ar != "" {
		return *ar
	}
	return en
}

// Render replaces every {{key}} occurrence with the string form of its
// value. Nil values render as empty; placeholders without a value are left as
// is. The template is scanned once, so substituted values are never expanded.
func Render(tpl string, vars map[string]interface{}) string {
	var b strings.Builder
	b.Grow(len(tpl))

	rest := tpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start+2:], "}}")
		if end == -1 {
			b.WriteString(rest)
			return b.String()
		}

		b.WriteString(rest[:start])
		key := rest[start+2 : start+2+end]
		value, ok := vars[key]
		if !ok {
			// Keep one brace and rescan, so "{{{{name}}" still finds {{name}}.
			b.WriteByte('{')
			rest = rest[start+1:]
			continue
		}
		if value != nil {
			b.WriteString(fmt.Sprint(value))
		}
		rest = rest[start+2+end+2:]
	}
}
