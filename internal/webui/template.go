package webui

// dashboardTemplate shows one live player per camera. Status text comes from
// the server side health monitor over /ws/status.
const dashboardTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>CoreCam</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.jsdelivr.net/npm/hls.js@1"></script>
    <style>
        :root {
            --bg-primary: #0f0f0f;
            --bg-secondary: #1a1a1a;
            --border-color: #2a2a2a;
            --text-primary: #e8e8e8;
            --text-secondary: #a0a0a0;
            --accent-green: #10b981;
            --accent-amber: #f59e0b;
            --accent-red: #ef4444;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif; background: var(--bg-primary); color: var(--text-primary); }
        header { display: flex; align-items: center; justify-content: space-between; padding: 14px 20px; border-bottom: 1px solid var(--border-color); }
        header h1 { color: var(--accent-green); font-size: 1.4em; }
        header .actions button, .card button { background: var(--bg-secondary); color: var(--text-primary); border: 1px solid var(--border-color); border-radius: 6px; padding: 6px 12px; cursor: pointer; }
        #grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(420px, 1fr)); gap: 16px; padding: 20px; }
        .card { background: var(--bg-secondary); border: 1px solid var(--border-color); border-radius: 10px; overflow: hidden; }
        .card video { width: 100%; aspect-ratio: 16 / 9; background: #000; display: block; }
        .card .meta { display: flex; align-items: center; justify-content: space-between; padding: 10px 12px; gap: 8px; }
        .card .name { font-weight: 600; }
        .card .status { color: var(--text-secondary); font-size: 0.85em; flex: 1; }
        .card .status.warn { color: var(--accent-amber); }
        .card .status.bad { color: var(--accent-red); }
        #feed { padding: 0 20px 20px; color: var(--text-secondary); font-size: 0.8em; }
    </style>
</head>
<body>
    <header>
        <h1>CoreCam</h1>
        <div class="actions">
            <button onclick="restartAll()">Restart all streams</button>
            <a href="/logout"><button>Logout</button></a>
        </div>
    </header>
    <div id="grid"></div>
    <div id="feed">Connecting to status feed...</div>
    <script>
        const cards = {};

        function statusClass(text) {
            if (/fail|error|escalat/i.test(text)) return 'status bad';
            if (/stall|reload|recover|buffer/i.test(text)) return 'status warn';
            return 'status';
        }

        function setStatus(id, text) {
            const card = cards[id];
            if (!card) return;
            card.status.textContent = text;
            card.status.className = statusClass(text);
        }

        function attach(video, url) {
            if (window.Hls && Hls.isSupported()) {
                const hls = new Hls({ liveSyncDurationCount: 3 });
                hls.loadSource(url);
                hls.attachMedia(video);
                return hls;
            }
            video.src = url;
            return null;
        }

        async function restart(id) {
            setStatus(id, 'Restart requested...');
            const resp = await fetch('/api/streams/' + encodeURIComponent(id) + '/restart', { method: 'POST' });
            const data = await resp.json().catch(() => ({}));
            setStatus(id, data.message || (resp.ok ? 'Restart requested' : 'Restart failed'));
        }

        async function restartAll() {
            const resp = await fetch('/api/streams/restart-all', { method: 'POST' });
            const data = await resp.json().catch(() => ({}));
            document.getElementById('feed').textContent = data.message || data.status || 'Restart requested';
        }

        async function load() {
            const resp = await fetch('/api/cameras');
            if (!resp.ok) return;
            const cams = await resp.json();
            const grid = document.getElementById('grid');
            for (const cam of cams) {
                if (!cam.enabled) continue;
                const el = document.createElement('div');
                el.className = 'card';
                el.innerHTML = '<video muted autoplay playsinline controls></video>' +
                    '<div class="meta"><span class="name"></span><span class="status"></span>' +
                    '<button>Restart</button></div>';
                el.querySelector('.name').textContent = cam.name;
                el.querySelector('button').onclick = () => restart(cam.id);
                grid.appendChild(el);
                const video = el.querySelector('video');
                cards[cam.id] = { video: video, status: el.querySelector('.status'), hls: attach(video, cam.live_url) };
                setStatus(cam.id, cam.monitor_status || 'Loading...');
            }
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/ws/status');
            const feed = document.getElementById('feed');
            ws.onopen = () => { feed.textContent = 'Status feed connected'; };
            ws.onmessage = (ev) => {
                const msg = JSON.parse(ev.data);
                if (msg.type === 'snapshot' && Array.isArray(msg.data)) {
                    for (const s of msg.data) setStatus(s.camera_id, s.status);
                } else if (msg.type === 'status') {
                    setStatus(msg.camera, msg.status);
                } else if (msg.type === 'event') {
                    feed.textContent = new Date(msg.at).toLocaleTimeString() + ' ' + msg.camera + ': ' + (msg.status || msg.reason || '');
                }
            };
            ws.onclose = () => {
                feed.textContent = 'Status feed disconnected, retrying...';
                setTimeout(connect, 3000);
            };
        }

        load().then(connect);
    </script>
</body>
</html>
`
