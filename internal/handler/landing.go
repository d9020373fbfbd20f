package handler

import (
	_ "embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"link-proxy-go/internal/target"
)

//go:embed landing.html
var landingHTML string

var landingTemplate = template.Must(template.New("landing").Parse(landingHTML))

type landingData struct {
	URL   string
	Error string
}

// Landing serves the URL form at "/". A submitted ?url= is resolved with
// the same rules as proxied paths and redirected to its proxied form.
func Landing(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("url"))
	if raw == "" {
		return renderLanding(c, http.StatusOK, landingData{})
	}

	u, err := target.Resolve("/"+raw, "", "")
	if err != nil {
		return renderLanding(c, http.StatusBadRequest, landingData{
			URL:   raw,
			Error: "Not a valid http(s) URL or domain.",
		})
	}
	return c.Redirect(http.StatusFound, "/"+u.String())
}

func renderLanding(c echo.Context, status int, data landingData) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	res.WriteHeader(status)
	return landingTemplate.Execute(res, data)
}
