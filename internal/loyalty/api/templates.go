package api

import (
	"html/template"
	"net/http"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "redeemed"}}<!DOCTYPE html>
<html>
<head>
  <title>Loyalty Points Redeemed</title>
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <style>
    body { font-family: Arial, sans-serif; padding: 20px; text-align: center; background-color: #f9f9f9; }
    .card { border: 1px solid #ddd; padding: 20px; max-width: 500px; margin: 0 auto; border-radius: 8px; background-color: white; }
    .code { font-size: 24px; font-weight: bold; padding: 15px; border: 2px dashed #4CAF50; margin: 20px 0; background-color: #f5f5f5; }
    .timer { font-weight: bold; color: #d44; }
    button { background-color: #4CAF50; color: white; border: none; padding: 10px 20px; font-size: 16px; margin: 10px 2px; cursor: pointer; border-radius: 4px; }
    .instructions { text-align: left; margin-top: 20px; padding: 15px; background-color: #fff3cd; border-left: 4px solid #ffc107; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Success! Points Redeemed</h1>
    <p>You've redeemed {{.PointsRedeemed}} points for a {{.Currency}}{{.PointsRedeemed}} discount.</p>
    <p>Use this discount code during checkout:</p>
    <div class="code" id="code">{{.DiscountCode}}</div>
    <p>This code expires in <span class="timer" id="countdown">{{.Remaining}}</span></p>
    <button onclick="copyCode()">Copy Code</button>
    <p>This discount is valid only for your current cart and expires at {{.ExpiresAt.Format "15:04 MST"}}.</p>
    <div class="instructions">
      <p><strong>What to do next:</strong></p>
      <ol>
        <li>Copy your discount code</li>
        <li>Return to your cart</li>
        <li>Apply the code at checkout</li>
      </ol>
    </div>
  </div>
  <script>
    var code = {{.DiscountCode}};
    var deadline = new Date({{.ExpiresAtRFC3339}}).getTime();
    function copyCode() {
      if (navigator.clipboard) { navigator.clipboard.writeText(code); }
    }
    var el = document.getElementById("countdown");
    var timer = setInterval(function() {
      var left = Math.max(0, Math.floor((deadline - Date.now()) / 1000));
      if (left === 0) { clearInterval(timer); el.textContent = "EXPIRED"; return; }
      var s = left % 60;
      el.textContent = Math.floor(left / 60) + ":" + (s < 10 ? "0" + s : s);
    }, 1000);
  </script>
</body>
</html>
{{end}}

{{define "error"}}<!DOCTYPE html>
<html>
<head>
  <title>Loyalty Points Error</title>
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <style>
    body { font-family: Arial, sans-serif; padding: 20px; text-align: center; background-color: #f9f9f9; }
    .card { border: 1px solid #ddd; padding: 20px; max-width: 500px; margin: 0 auto; border-radius: 8px; background-color: white; }
    .error { color: #d44; font-weight: bold; }
    button { background-color: #4CAF50; color: white; border: none; padding: 10px 20px; font-size: 16px; margin: 10px 2px; cursor: pointer; border-radius: 4px; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Error</h1>
    <p class="error">{{.Message}}</p>
    {{with .ExistingCode}}<p>Your active code is <strong>{{.}}</strong>.</p>{{end}}
    <button onclick="window.close()">Close Window</button>
    <button onclick="window.history.back()">Go Back</button>
  </div>
</body>
</html>
{{end}}

{{define "info"}}<!DOCTYPE html>
<html>
<head>
  <title>Loyalty System Status</title>
  <style>
    body { font-family: Arial, sans-serif; padding: 20px; }
    .card { border: 1px solid #ddd; padding: 15px; margin-bottom: 15px; border-radius: 4px; }
    .ok { color: green; }
    .missing { color: red; }
  </style>
</head>
<body>
  <h1>Loyalty System Status</h1>
  <div class="card">
    <h2>Server Time</h2>
    <p>Current server time: {{.Now}}</p>
  </div>
  <div class="card">
    <h2>Environment</h2>
    <p>SHOPIFY_STORE_URL: {{if .StoreURLConfigured}}<span class="ok">Configured</span>{{else}}<span class="missing">Not Configured</span>{{end}}</p>
    <p>SHOPIFY_ACCESS_TOKEN: {{if .AccessTokenConfigured}}<span class="ok">Configured</span>{{else}}<span class="missing">Not Configured</span>{{end}}</p>
  </div>
  <div class="card">
    <h2>System Status</h2>
    <p class="ok">System is operational</p>
    <p><strong>Storage:</strong> {{.Storage}}</p>
    <p><strong>Code prefix:</strong> {{.CodePrefix}}</p>
    <p><strong>Minimum order value:</strong> {{.Currency}}{{.MinOrderValue}}</p>
  </div>
</body>
</html>
{{end}}
`))

func renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}
