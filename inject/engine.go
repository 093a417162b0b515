// Package inject stamps signer artifacts into PDF documents as incremental
// updates, appends audit certificate pages and embeds the audit trail.
package inject

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/georgepadayatti/goesign/stamp"
)

// Default limits for decoded signature images.
const (
	DefaultMaxImageWidth  = 2000
	DefaultMaxImageHeight = 2000
)

// Engine owns everything needed to render artifacts: fonts, caption
// settings and the audit page layout. It holds no per-document state and
// is safe for concurrent use.
type Engine struct {
	logger   *zap.Logger
	now      func() time.Time
	location *time.Location
	lang     language.Tag

	textStyle    stamp.TextStyle
	captionStyle stamp.TextStyle
	captions     bool
	scaleMode    stamp.ImageScaleMode

	maxImageWidth  int
	maxImageHeight int
	streamXRefs    bool

	audit AuditPageOptions
}

// Option configures an Engine.
type Option func(*Engine)

// NewEngine returns an engine with captions on, Helvetica text and UTC
// timestamps.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:         zap.NewNop(),
		now:            time.Now,
		location:       time.UTC,
		lang:           language.AmericanEnglish,
		textStyle:      stamp.DefaultTextStyle(),
		captionStyle:   stamp.CaptionStyle(),
		captions:       true,
		scaleMode:      stamp.ImageScaleFit,
		maxImageWidth:  DefaultMaxImageWidth,
		maxImageHeight: DefaultMaxImageHeight,
		audit:          DefaultAuditPageOptions(),
	}
	e.textStyle.FitHeight = true
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now, which stamps the audit page.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the time zone captions are shown in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithLanguage selects the caption timestamp layout.
func WithLanguage(tag language.Tag) Option {
	return func(e *Engine) { e.lang = tag }
}

// WithCaptions turns the "signed" caption under each field on or off.
func WithCaptions(on bool) Option {
	return func(e *Engine) { e.captions = on }
}

// WithCaptionFontSize sets the caption size in points.
func WithCaptionFontSize(size float64) Option {
	return func(e *Engine) {
		if size > 0 {
			e.captionStyle.FontSize = size
		}
	}
}

func WithScaleMode(m stamp.ImageScaleMode) Option {
	return func(e *Engine) { e.scaleMode = m }
}

// WithMaxImageSize downscales larger artifacts before embedding.
func WithMaxImageSize(width, height int) Option {
	return func(e *Engine) {
		if width > 0 && height > 0 {
			e.maxImageWidth, e.maxImageHeight = width, height
		}
	}
}

// WithStreamXRefs writes cross-reference streams instead of tables.
func WithStreamXRefs(on bool) Option {
	return func(e *Engine) { e.streamXRefs = on }
}

// WithAuditPage replaces the audit page layout.
func WithAuditPage(opts AuditPageOptions) Option {
	return func(e *Engine) { e.audit = opts }
}

// captionLayouts are keyed by the languages captions can be shown in.
var captionLayouts = []struct {
	tag    language.Tag
	layout string
}{
	{language.AmericanEnglish, "Jan 2, 2006 3:04 PM MST"},
	{language.BritishEnglish, "2 Jan 2006 15:04 MST"},
	{language.German, "02.01.2006 15:04 MST"},
	{language.French, "02/01/2006 15:04 MST"},
	{language.Spanish, "02/01/2006 15:04 MST"},
	{language.Japanese, "2006/01/02 15:04 MST"},
}

var captionMatcher = func() language.Matcher {
	tags := make([]language.Tag, len(captionLayouts))
	for i, c := range captionLayouts {
		tags[i] = c.tag
	}
	return language.NewMatcher(tags)
}()

// FormatTimestamp renders an RFC 3339 timestamp in the engine's time zone
// and language. Values that do not parse are returned unchanged.
func (e *Engine) FormatTimestamp(iso string) string {
	iso = strings.TrimSpace(iso)
	if iso == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return iso
	}
	_, idx, _ := captionMatcher.Match(e.lang)
	return t.In(e.location).Format(captionLayouts[idx].layout)
}

// Caption returns the text drawn under a signed field.
func (e *Engine) Caption(signerLabel, signedAtISO string) string {
	label := strings.TrimSpace(signerLabel)
	ts := e.FormatTimestamp(signedAtISO)
	switch {
	case label == "" && ts == "":
		return ""
	case ts == "":
		return label + " signed"
	case label == "":
		return "Signed • " + ts
	default:
		return label + " signed • " + ts
	}
}
