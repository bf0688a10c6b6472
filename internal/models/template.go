package models

import "time"

const (
	LanguageEnglish = "en"
	LanguageArabic  = "ar"
)

// Template is a stored bilingual email template keyed by code (e.g. "welcome").
// English fields are the default variant; Arabic fields are optional.
type Template struct {
	Code       string    `json:"code"`
	SubjectEN  string    `json:"subjectEn"`
	SubjectAR  *string   `json:"subjectAr,omitempty"`
	BodyHTMLEN string    `json:"bodyHtmlEn"`
	BodyHTMLAR *string   `json:"bodyHtmlAr,omitempty"`
	BodyTextEN *string   `json:"bodyTextEn,omitempty"`
	BodyTextAR *string   `json:"bodyTextAr,omitempty"`
	IsActive   bool      `json:"isActive"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ResolvedContent is a template after language selection and substitution.
type ResolvedContent struct {
	Subject  string  `json:"subject"`
	BodyHTML string  `json:"bodyHtml"`
	BodyText *string `json:"bodyText,omitempty"`
}
