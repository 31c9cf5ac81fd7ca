package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
)

// Credentials is the data shown in the access email.
type Credentials struct {
	ProductID  string
	ProductURL string
	WGConf     string
	Creds      string
}

var credentialsTmpl = template.Must(template.New("credentials").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; line-height: 1.5;">
  <h2>Your access is ready</h2>
  <p>Thanks for verifying your identity. Your <strong>{{.ProductID}}</strong> access has been provisioned.</p>
  {{- if .ProductURL}}
  <p><a href="{{.ProductURL}}">Open your account</a></p>
  {{- end}}
  {{- if .WGConf}}
  <p>WireGuard configuration:</p>
  <pre style="background:#f4f4f4;padding:12px;">{{.WGConf}}</pre>
  {{- end}}
  {{- if .Creds}}
  <p>Credentials:</p>
  <pre style="background:#f4f4f4;padding:12px;">{{.Creds}}</pre>
  {{- end}}
  <p>If you did not make this purchase, reply to this email.</p>
</body>
</html>
`))

// CredentialsFromPayload reads a stored relay response ({product_url, wg_conf, creds}).
// creds is shown as indented JSON, or verbatim when it is a JSON string.
func CredentialsFromPayload(productID, payload string) (Credentials, error) {
	var raw struct {
		ProductURL string          `json:"product_url"`
		WGConf     string          `json:"wg_conf"`
		Creds      json.RawMessage `json:"creds"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Credentials{}, fmt.Errorf("decode relay payload: %w", err)
	}

	c := Credentials{ProductID: productID, ProductURL: raw.ProductURL, WGConf: raw.WGConf}
	if len(raw.Creds) > 0 && string(raw.Creds) != "null" {
		var s string
		if err := json.Unmarshal(raw.Creds, &s); err == nil {
			c.Creds = s
		} else {
			var buf bytes.Buffer
			if err := json.Indent(&buf, raw.Creds, "", "  "); err != nil {
				return Credentials{}, fmt.Errorf("format creds: %w", err)
			}
			c.Creds = buf.String()
		}
	}
	return c, nil
}

// RenderCredentials renders the HTML body of the access email.
func RenderCredentials(c Credentials) (string, error) {
	var buf bytes.Buffer
	if err := credentialsTmpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("render credentials: %w", err)
	}
	return buf.String(), nil
}
