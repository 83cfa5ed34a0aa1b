package relay

import (
	"html/template"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const textHTMLUTF8 = "text/html; charset=utf-8"

// newReservedRouter builds the routing table for the reserved paths. The
// dispatcher also uses it to decide whether a path may rendezvous at all.
func newReservedRouter(relay *Relay) *httprouter.Router {
	router := httprouter.New()
	router.HandleOPTIONS = false
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.GET("/", serveIndex)
	router.GET("/noscript", relay.serveNoScript)
	router.GET("/version", serveVersion)
	router.GET("/help", serveHelp)
	router.GET("/robots.txt", serveRobots)
	router.GET("/favicon.ico", serveFavicon)
	return router
}

func serveIndex(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", textHTMLUTF8)
	io.WriteString(w, indexPage)
}

func (relay *Relay) serveNoScript(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	path := req.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	w.Header().Set("Content-Type", textHTMLUTF8)
	if err := noScriptPage.Execute(w, struct{ Path string }{path}); err != nil {
		relay.log.Debug("noscript page write failed", zap.Error(err))
	}
}

func serveVersion(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", textPlainUTF8)
	io.WriteString(w, "relay/"+Version+"\n")
}

func serveHelp(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", textPlainUTF8)
	io.WriteString(w, helpText)
}

func serveRobots(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusNotFound)
}

func serveFavicon(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusNoContent)
}

const helpText = `relay/` + Version + `

Streams an HTTP request body to whoever asks for the same path.

Send:        curl -T myfile http://localhost:8080/mypath
Receive:     curl http://localhost:8080/mypath > myfile
Fan out:     curl -T myfile 'http://localhost:8080/mypath?n=3'

The transfer starts once one sender and n receivers (default 1) have arrived
on the same path. Nothing is stored on the server; bytes stream end to end.
Paths are single use while a transfer is underway and free again afterwards.
`

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>relay</title>
<style>
body { font-family: sans-serif; margin: 2em auto; max-width: 40em; padding: 0 1em; }
h1 { font-size: 1.5em; }
section { margin-bottom: 2em; }
input[type=text], textarea { width: 100%; box-sizing: border-box; }
#result { white-space: pre-wrap; color: #333; }
</style>
</head>
<body>
<h1>relay</h1>
<p>Streams an HTTP request body to whoever asks for the same path.
See <a href="/help">/help</a> for command line usage,
or use the <a href="/noscript">no-script form</a>.</p>
<section>
<h2>Send</h2>
<p><label>Path: <input type="text" id="send-path" value="/mypath"></label></p>
<p><label>Text:<br><textarea id="send-text" rows="4"></textarea></label></p>
<p><label>File: <input type="file" id="send-file"></label></p>
<p><button onclick="sendBody()">Send</button></p>
</section>
<section>
<h2>Receive</h2>
<p><label>Path: <input type="text" id="recv-path" value="/mypath"></label></p>
<p><button onclick="receiveBody()">Receive</button></p>
</section>
<pre id="result"></pre>
<script>
function show(text) {
  document.getElementById("result").textContent = text;
}
function sendBody() {
  var path = document.getElementById("send-path").value;
  var file = document.getElementById("send-file").files[0];
  var body = file || document.getElementById("send-text").value;
  fetch(path, { method: "PUT", body: body })
    .then(function (res) { return res.text(); })
    .then(show)
    .catch(function (err) { show(String(err)); });
}
function receiveBody() {
  var path = document.getElementById("recv-path").value;
  window.location.href = path;
}
</script>
</body>
</html>
`

var noScriptPage = template.Must(template.New("noscript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>relay (no script)</title>
</head>
<body>
<h1>relay</h1>
<p>Posts the text below to <code>{{.Path}}</code>. Pick another path with
<code>/noscript?path=/mypath</code>.</p>
<form method="POST" action="{{.Path}}">
<p><textarea name="text" rows="8" cols="60"></textarea></p>
<p><input type="submit" value="Send"></p>
</form>
</body>
</html>
`))
