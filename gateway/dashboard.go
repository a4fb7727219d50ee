package gateway

// dashboardHTML is the minimal embedded control panel. It asks for the
// gateway token, then polls /v1/status and /v1/heartbeat.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Cleo</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
         background: #0a0a0f; color: #e0e0e0; margin: 0; padding: 24px; }
  h1 { font-size: 22px; color: #c084fc; }
  input { padding: 8px; border: 1px solid #333; border-radius: 6px;
          background: #111; color: #eee; width: 320px; }
  button { padding: 8px 16px; border: none; border-radius: 6px;
           background: #7c3aed; color: #fff; cursor: pointer; }
  pre { background: #1a1a2e; border-radius: 8px; padding: 16px; overflow: auto; }
</style></head><body>
<h1>Cleo Dashboard</h1>
<p>Enter your gateway token (<code>echo $CLEO_GATEWAY_TOKEN</code>).</p>
<input type="password" id="token" placeholder="Gateway token">
<button onclick="start()">Connect</button>
<h2>Tasks</h2><pre id="tasks">-</pre>
<h2>Agents</h2><pre id="agents">-</pre>
<script>
let timer = null;
async function refresh() {
  const t = document.getElementById('token').value;
  const h = { 'Authorization': 'Bearer ' + t };
  try {
    const tasks = await (await fetch('/v1/status', { headers: h })).json();
    document.getElementById('tasks').textContent = JSON.stringify(tasks, null, 2);
    const beats = await (await fetch('/v1/heartbeat', { headers: h })).json();
    document.getElementById('agents').textContent = JSON.stringify(beats, null, 2);
  } catch (e) {
    document.getElementById('tasks').textContent = 'error: ' + e;
  }
}
function start() {
  if (timer) clearInterval(timer);
  refresh();
  timer = setInterval(refresh, 2000);
}
</script>
</body></html>
`
