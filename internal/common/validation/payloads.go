package validation

// Request schemas of the notification API.
var (
	RawNotificationSchema = Compile("raw_notification", `{
		"type": "object",
		"required": ["recipientEmail", "subject", "bodyHtml"],
		"properties": {
			"recipientEmail":  {"type": "string", "format": "email"},
			"recipientUserId": {"type": "string"},
			"subject":         {"type": "string", "minLength": 1, "maxLength": 998},
			"bodyHtml":        {"type": "string", "minLength": 1},
			"bodyText":        {"type": "string"},
			"fromEmail":       {"type": "string", "format": "email"},
			"templateCode":    {"type": "string"},
			"variables":       {"type": "object"},
			"priority":        {"type": "integer", "minimum": 1, "maximum": 10}
		},
		"additionalProperties": false
	}`)

	TemplatedNotificationSchema = Compile("templated_notification", `{
		"type": "object",
		"required": ["recipientEmail", "templateCode"],
		"properties": {
			"recipientEmail":  {"type": "string", "format": "email"},
			"recipientUserId": {"type": "string"},
			"templateCode":    {"type": "string", "pattern": "^[a-z0-9_]+$"},
			"variables":       {"type": "object"},
			"language":        {"type": "string", "enum": ["en", "ar"]},
			"priority":        {"type": "integer", "minimum": 1, "maximum": 10},
			"fromEmail":       {"type": "string", "format": "email"}
		},
		"additionalProperties": false
	}`)

	NewsletterSchema = Compile("newsletter", `{
		"type": "object",
		"required": ["subject", "bodyHtml"],
		"properties": {
			"subject":  {"type": "string", "minLength": 1},
			"bodyHtml": {"type": "string", "minLength": 1},
			"bodyText": {"type": "string"},
			"language": {"type": "string", "enum": ["en", "ar"]}
		},
		"additionalProperties": false
	}`)

	SubscribeSchema = Compile("subscribe", `{
		"type": "object",
		"required": ["email"],
		"properties": {
			"email":      {"type": "string", "format": "email"},
			"name":       {"type": "string", "maxLength": 200},
			"language":   {"type": "string", "enum": ["en", "ar"]},
			"categories": {"type": "array", "items": {"type": "string"}},
			"source":     {"type": "string"}
		},
		"additionalProperties": false
	}`)

	UnsubscribeSchema = Compile("unsubscribe", `{
		"type": "object",
		"required": ["email"],
		"properties": {
			"email": {"type": "string", "format": "email"}
		},
		"additionalProperties": false
	}`)

	TemplateRefSchema = Compile("template_ref", `{
		"type": "object",
		"required": ["templateCode"],
		"properties": {
			"templateCode": {"type": "string", "pattern": "^[a-z0-9_]+$"}
		}
	}`)
)
