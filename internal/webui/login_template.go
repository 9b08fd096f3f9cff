package webui

const loginTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>CoreCam - Login</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        :root {
            --bg-primary: #0f0f0f;
            --bg-secondary: #1a1a1a;
            --border-color: #2a2a2a;
            --text-primary: #e8e8e8;
            --text-secondary: #a0a0a0;
            --accent-green: #10b981;
            --accent-red: #ef4444;
            --radius: 8px;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            padding: 20px;
        }
        .login {
            background: var(--bg-secondary);
            border: 1px solid var(--border-color);
            border-radius: 12px;
            padding: 36px;
            width: 100%;
            max-width: 380px;
        }
        h1 { color: var(--accent-green); text-align: center; margin-bottom: 24px; }
        label { display: block; color: var(--text-secondary); margin: 12px 0 6px; font-size: 0.9em; }
        input[type=text], input[type=password] {
            width: 100%;
            padding: 10px 12px;
            background: var(--bg-primary);
            border: 1px solid var(--border-color);
            border-radius: var(--radius);
            color: var(--text-primary);
        }
        .remember { margin-top: 12px; color: var(--text-secondary); font-size: 0.9em; }
        button {
            margin-top: 20px;
            width: 100%;
            padding: 11px;
            border: none;
            border-radius: var(--radius);
            background: var(--accent-green);
            color: #fff;
            font-weight: 600;
            cursor: pointer;
        }
        #error { display: none; margin-top: 14px; color: var(--accent-red); text-align: center; }
    </style>
</head>
<body>
    <div class="login">
        <h1>CoreCam</h1>
        <form id="login-form" method="POST" action="/login">
            <label for="username">Username</label>
            <input type="text" id="username" name="username" autocomplete="username" required autofocus>
            <label for="password">Password</label>
            <input type="password" id="password" name="password" autocomplete="current-password" required>
            <div class="remember"><label><input type="checkbox" name="remember"> Remember me</label></div>
            <button type="submit">Sign in</button>
            <div id="error"></div>
        </form>
    </div>
    <script>
        const form = document.getElementById('login-form');
        const errorBox = document.getElementById('error');
        form.addEventListener('submit', async (e) => {
            e.preventDefault();
            errorBox.style.display = 'none';
            const body = new URLSearchParams(new FormData(form));
            try {
                const resp = await fetch('/login', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/x-www-form-urlencoded' },
                    body: body
                });
                if (resp.ok) {
                    window.location.href = '/';
                    return;
                }
                const data = await resp.json().catch(() => ({}));
                errorBox.textContent = data.error || 'Login failed';
            } catch (err) {
                errorBox.textContent = 'Connection error';
            }
            errorBox.style.display = 'block';
        });
    </script>
</body>
</html>
`
