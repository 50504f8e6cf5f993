package mail

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var subjects = map[string]string{
	TemplatePaymentFailed:         "Your payment failed",
	TemplatePaymentActionRequired: "Please confirm your payment",
	TemplateSubscriptionCanceled:  "Your subscription has ended",
	TemplateRenewalReminder:       "Your subscription renews soon",
	TemplateMonthlyLimitReset:     "Your links limit has been reset!",
}

var ErrUnknownTemplate = errors.New("unknown mail template")

// Renderer turns a template name and its data into a Message.
type Renderer struct {
	templates map[string]*template.Template
	defaults  map[string]string
}

// NewRenderer parses the embedded templates. defaults are merged under every
// render call, e.g. AppName and DashboardURL.
func NewRenderer(defaults map[string]string) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template, len(subjects)), defaults: defaults}
	for name := range subjects {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Has reports whether the template exists.
func (r *Renderer) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

func (r *Renderer) Render(name, to string, data map[string]string) (Message, error) {
	t, ok := r.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	merged := make(map[string]string, len(r.defaults)+len(data))
	for k, v := range r.defaults {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", merged); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{To: to, Subject: subjects[name], HTML: buf.String(), Tag: name}, nil
}
