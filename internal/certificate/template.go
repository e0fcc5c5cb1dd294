package certificate

import (
	"bytes"
	"html/template"
	"time"
)

type certificateData struct {
	Title    string
	AssetID  string
	Owner    string
	OwnerID  string
	IssuedAt time.Time
}

var certificateTemplate = template.Must(template.New("certificate").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Certificate of Ownership: {{.Title}}</title>
</head>
<body>
<h1>Certificate of Ownership</h1>
<p>This certifies that <strong>{{.Owner}}</strong> is the owner of</p>
<h2>{{.Title}}</h2>
<dl>
<dt>Asset</dt><dd>{{.AssetID}}</dd>
{{- if .OwnerID}}
<dt>Owner ID</dt><dd>{{.OwnerID}}</dd>
{{- end}}
<dt>Issued</dt><dd>{{.IssuedAt.Format "2006-01-02 15:04 MST"}}</dd>
</dl>
</body>
</html>
`))

func render(data certificateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
