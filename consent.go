package oauth

import (
	"html/template"
	"net/http"
)

// consentPageData feeds the consent form template.
type consentPageData struct {
	TxnID       string
	ClientName  string
	RedirectURI string
	Scopes      []string
	Error       string
}

// consentErrorData feeds the terminal error page template.
type consentErrorData struct {
	Message string
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Connect Home Assistant</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
       background: #f5f7fa; margin: 0; display: flex; justify-content: center; }
.card { background: #fff; border-radius: 12px; box-shadow: 0 2px 12px rgba(0,0,0,.08);
        max-width: 420px; width: 100%; margin: 48px 16px; padding: 32px; }
h1 { font-size: 1.3em; margin: 0 0 8px; color: #1c2733; }
p { color: #4a5a6a; line-height: 1.5; }
.client { font-weight: 600; color: #1c2733; }
.scopes { background: #f0f4f8; border-radius: 8px; padding: 12px 16px; margin: 16px 0; }
.scopes li { color: #33475b; margin: 4px 0 4px 8px; }
.error { background: #fdecea; color: #b3261e; border-radius: 8px; padding: 12px 16px; margin: 16px 0; }
label { display: block; font-size: .9em; font-weight: 600; color: #33475b; margin: 16px 0 4px; }
input { width: 100%; box-sizing: border-box; padding: 10px 12px; border: 1px solid #c3ced8;
        border-radius: 8px; font-size: 1em; }
.hint { font-size: .8em; color: #7b8a99; margin: 4px 0 0; }
button { width: 100%; margin-top: 24px; padding: 12px; border: 0; border-radius: 8px;
         background: #03a9f4; color: #fff; font-size: 1em; font-weight: 600; cursor: pointer; }
button:hover { background: #0397db; }
</style>
</head>
<body>
<div class="card">
<h1>Connect Home Assistant</h1>
<p><span class="client">{{if .ClientName}}{{.ClientName}}{{else}}An application{{end}}</span>
is requesting access to your Home Assistant instance.</p>
{{if .Scopes}}
<div class="scopes">
<strong>Requested access:</strong>
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
</div>
{{end}}
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="post" action="/consent">
<input type="hidden" name="txn_id" value="{{.TxnID}}">
<label for="ha_url">Home Assistant URL</label>
<input type="url" id="ha_url" name="ha_url" placeholder="https://homeassistant.local:8123" required>
<p class="hint">The address you use to reach your Home Assistant instance.</p>
<label for="ha_token">Long-Lived Access Token</label>
<input type="password" id="ha_token" name="ha_token" required>
<p class="hint">Create one under your Home Assistant profile, Security tab.</p>
<button type="submit">Authorize</button>
</form>
</div>
</body>
</html>
`))

var consentErrorTemplate = template.Must(template.New("consent_error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorization Error</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
       background: #f5f7fa; margin: 0; display: flex; justify-content: center; }
.card { background: #fff; border-radius: 12px; box-shadow: 0 2px 12px rgba(0,0,0,.08);
        max-width: 420px; width: 100%; margin: 48px 16px; padding: 32px; }
h1 { font-size: 1.3em; margin: 0 0 8px; color: #b3261e; }
p { color: #4a5a6a; line-height: 1.5; }
</style>
</head>
<body>
<div class="card">
<h1>Authorization Error</h1>
<p>{{.Message}}</p>
<p>Close this page and start again from your client application.</p>
</div>
</body>
</html>
`))

// renderConsentPage writes the consent form, optionally with an inline error
// from a failed prior submission.
func renderConsentPage(w http.ResponseWriter, details *ConsentDetails, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentTemplate.Execute(w, consentPageData{
		TxnID:       details.TxnID,
		ClientName:  details.ClientName,
		RedirectURI: details.RedirectURI,
		Scopes:      details.Scopes,
		Error:       errMsg,
	})
}

// renderConsentError writes the terminal error page for dead transactions.
func renderConsentError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = consentErrorTemplate.Execute(w, consentErrorData{Message: message})
}
