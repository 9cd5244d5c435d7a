package gateway

// landingHTML is served for any GET that is not a WebSocket upgrade or
// /healthz. The real console ships separately; this page states how to
// connect.
const landingHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>ads</title>
<style>
body { font-family: ui-monospace, monospace; max-width: 40rem; margin: 4rem auto; color: #ddd; background: #111; }
code { color: #8fc; }
</style>
</head>
<body>
<h1>ads</h1>
<p>The agent development server is running.</p>
<p>Connect a console over WebSocket using the <code>ads-token.&lt;base64url&gt;</code>
and <code>ads-session.&lt;id&gt;</code> sub-protocols.</p>
<p>Health: <a href="/healthz">/healthz</a></p>
</body>
</html>
`
