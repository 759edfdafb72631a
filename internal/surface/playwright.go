package surface

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/session"
	"AgentHive/pkg/logger"
)

const (
	defaultBaseURL  = "https://x.com"
	defaultThinkMin = 500 * time.Millisecond
	defaultThinkMax = 2 * time.Second
)

// essentialCookies 是 x 平台会话必须具备的 cookie。缺少任何一个时
// 跳过快速恢复路径，直接走交互式登录。
var essentialCookies = []string{"auth_token", "ct0"}

// PlaywrightConfig 描述浏览器驱动的配置。
type PlaywrightConfig struct {
	Surface        string
	BaseURL        string
	Headless       bool
	Locators       *Locators
	Sessions       session.Store
	DiagnosticsDir string
	ThinkTimeMin   time.Duration
	ThinkTimeMax   time.Duration
}

// PlaywrightDriver 通过 Playwright 驱动真实浏览器完成平台操作。
// 每个智能体持有独立的浏览器上下文，登录态互不干扰；
// 同一 (agent, surface) 组合上的操作由键锁串行化。
type PlaywrightDriver struct {
	name     string
	baseURL  string
	locators *Locators
	sessions session.Store
	diag     *Diagnostics
	locks    *KeyedLock
	thinkMin time.Duration
	thinkMax time.Duration
	sleep    func(time.Duration)
	log      *slog.Logger

	pw      *playwright.Playwright
	browser playwright.Browser

	mu       sync.Mutex
	contexts map[string]*agentContext
}

// agentContext 保存单个智能体的浏览器上下文与登录状态。
// degraded 置位后 Perform 一律拒绝，直到一次成功的 Authenticate。
type agentContext struct {
	browserCtx playwright.BrowserContext
	page       playwright.Page
	console    []string
	consoleMu  sync.Mutex
	authed     bool
	degraded   bool
}

// NewPlaywrightDriver 启动浏览器并创建驱动。
func NewPlaywrightDriver(cfg PlaywrightConfig) (*PlaywrightDriver, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "启动 Playwright 失败")
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-infobars",
			"--disable-notifications",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "启动浏览器失败")
	}

	name := cfg.Surface
	if name == "" {
		name = "x"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	locators := cfg.Locators
	if locators == nil {
		locators = DefaultLocators()
	}
	thinkMin, thinkMax := cfg.ThinkTimeMin, cfg.ThinkTimeMax
	if thinkMin <= 0 {
		thinkMin = defaultThinkMin
	}
	if thinkMax < thinkMin {
		thinkMax = defaultThinkMax
	}
	if thinkMax < thinkMin {
		thinkMax = thinkMin
	}

	return &PlaywrightDriver{
		name:     name,
		baseURL:  baseURL,
		locators: locators,
		sessions: cfg.Sessions,
		diag:     NewDiagnostics(cfg.DiagnosticsDir),
		locks:    NewKeyedLock(),
		thinkMin: thinkMin,
		thinkMax: thinkMax,
		sleep:    time.Sleep,
		log:      logger.Named("surface." + name),
		pw:       pw,
		browser:  browser,
		contexts: make(map[string]*agentContext),
	}, nil
}

// Name 返回平台标识。
func (d *PlaywrightDriver) Name() string { return d.name }

// Authenticate 为指定智能体建立登录态。优先用已保存的 cookie 恢复会话，
// 恢复失败时退回交互式登录，成功后把最新 cookie 写回会话存储。
func (d *PlaywrightDriver) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	release, err := d.locks.Acquire(ctx, LockKey(req.Agent, d.name))
	if err != nil {
		return nil, err
	}
	defer release()

	ac, err := d.contextFor(req.Agent)
	if err != nil {
		return nil, err
	}

	if restored := d.restoreSession(ctx, ac, req.Agent); restored {
		ac.authed = true
		ac.degraded = false
		d.log.Info("会话恢复成功", slog.String("agent", req.Agent))
		return &AuthResult{Restored: true}, nil
	}

	if err := d.interactiveLogin(ctx, ac, req); err != nil {
		ac.authed = false
		return nil, err
	}
	ac.authed = true
	ac.degraded = false
	d.persistSession(ctx, ac, req.Agent)
	d.log.Info("交互式登录成功", slog.String("agent", req.Agent))
	return &AuthResult{Restored: false}, nil
}

// Perform 执行平台操作。目前支持 post。
func (d *PlaywrightDriver) Perform(ctx context.Context, action Action) (*ActionResult, error) {
	if action.Kind != "post" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作类型: "+action.Kind)
	}
	text := action.Payload["text"]
	if strings.TrimSpace(text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "post 操作缺少 text")
	}

	release, err := d.locks.Acquire(ctx, LockKey(action.Agent, d.name))
	if err != nil {
		return nil, err
	}
	defer release()

	d.mu.Lock()
	ac := d.contexts[action.Agent]
	d.mu.Unlock()
	if ac == nil || !ac.authed {
		return nil, xerrors.New(CodeAuthExpired, "智能体尚未登录: "+action.Agent)
	}
	if ac.degraded {
		return nil, xerrors.New(CodeAuthExpired, "会话已失效，需要重新登录")
	}

	result, err := d.post(ctx, ac, action, text)
	if err != nil {
		if xerrors.CodeOf(err) == CodeAuthExpired {
			ac.degraded = true
			d.markSessionDead(ctx, action.Agent)
		}
		d.captureFailure(ac, action.TaskID)
		return nil, err
	}
	return result, nil
}

// markSessionDead 把已保存的会话标记为失效，下次登录不再走 cookie 快速通道。
func (d *PlaywrightDriver) markSessionDead(ctx context.Context, agent string) {
	if d.sessions == nil {
		return
	}
	sess, err := d.sessions.Load(ctx, agent, d.name)
	if err != nil {
		return
	}
	sess.Live = false
	if err := d.sessions.Save(ctx, sess); err != nil {
		d.log.Warn("标记会话失效失败", slog.String("agent", agent), slog.Any("error", err))
	}
}

// Close 关闭浏览器与 Playwright。
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	for _, ac := range d.contexts {
		_ = ac.browserCtx.Close()
	}
	d.contexts = make(map[string]*agentContext)
	d.mu.Unlock()

	if d.browser != nil {
		_ = d.browser.Close()
	}
	if d.pw != nil {
		return d.pw.Stop()
	}
	return nil
}

// contextFor 返回智能体的浏览器上下文，没有时新建。
func (d *PlaywrightDriver) contextFor(agent string) (*agentContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ac, ok := d.contexts[agent]; ok {
		return ac, nil
	}

	browserCtx, err := d.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:  &playwright.Size{Width: 1280, Height: 720},
		UserAgent: playwright.String("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建浏览器上下文失败")
	}
	page, err := browserCtx.NewPage()
	if err != nil {
		_ = browserCtx.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建页面失败")
	}

	ac := &agentContext{browserCtx: browserCtx, page: page}
	page.OnConsole(func(msg playwright.ConsoleMessage) {
		ac.consoleMu.Lock()
		defer ac.consoleMu.Unlock()
		if len(ac.console) >= 200 {
			ac.console = ac.console[1:]
		}
		ac.console = append(ac.console, msg.Text())
	})
	d.contexts[agent] = ac
	return ac, nil
}

// restoreSession 尝试用已保存的 cookie 恢复登录态。
func (d *PlaywrightDriver) restoreSession(ctx context.Context, ac *agentContext, agent string) bool {
	if d.sessions == nil {
		return false
	}
	sess, err := d.sessions.Load(ctx, agent, d.name)
	if err != nil {
		return false
	}
	// 已标记失效的会话不走 cookie 快速通道，直接交互式登录
	if !sess.Live {
		d.log.Info("会话已标记失效，跳过恢复", slog.String("agent", agent))
		return false
	}
	for _, name := range essentialCookies {
		if sess.Tokens[name] == "" {
			d.log.Warn("会话缺少必需 cookie，跳过恢复", slog.String("agent", agent), slog.String("cookie", name))
			return false
		}
	}

	cookies := make([]playwright.OptionalCookie, 0, len(sess.Tokens))
	for name, value := range sess.Tokens {
		cookies = append(cookies, playwright.OptionalCookie{
			Name:   name,
			Value:  value,
			Domain: playwright.String(".x.com"),
			Path:   playwright.String("/"),
			Secure: playwright.Bool(true),
		})
	}
	if err := ac.browserCtx.AddCookies(cookies); err != nil {
		d.log.Warn("注入 cookie 失败", slog.String("agent", agent), slog.Any("error", err))
		return false
	}

	if _, err := ac.page.Goto(d.baseURL+"/home", playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return false
	}
	if _, err := d.waitForTarget(ctx, ac, "logged_in_marker"); err != nil {
		d.log.Warn("cookie 会话校验失败", slog.String("agent", agent))
		return false
	}
	d.persistSession(ctx, ac, agent)
	return true
}

// interactiveLogin 走平台登录页完成登录。
func (d *PlaywrightDriver) interactiveLogin(ctx context.Context, ac *agentContext, req AuthRequest) error {
	username := req.Credentials["username"]
	password := req.Credentials["password"]
	if username == "" || password == "" {
		return xerrors.New(CodeAuthFailed, "缺少 username 或 password 凭据")
	}

	if _, err := ac.page.Goto(d.baseURL+"/i/flow/login", playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return xerrors.Wrap(CodeAuthFailed, err, "打开登录页失败")
	}

	if err := d.fillTarget(ctx, ac, "login_username", username); err != nil {
		d.captureFailure(ac, "login_"+req.Agent)
		return xerrors.Wrap(CodeAuthFailed, err, "填写用户名失败")
	}
	d.think()
	if err := ac.page.Keyboard().Press("Enter"); err != nil {
		return xerrors.Wrap(CodeAuthFailed, err, "提交用户名失败")
	}

	// 平台偶尔要求额外的身份确认，配置了 verification 凭据时自动填入。
	if verification := req.Credentials["verification"]; verification != "" {
		if _, err := d.waitForTarget(ctx, ac, "login_verify"); err == nil {
			if err := d.fillTarget(ctx, ac, "login_verify", verification); err == nil {
				_ = ac.page.Keyboard().Press("Enter")
			}
		}
	}

	if err := d.fillTarget(ctx, ac, "login_password", password); err != nil {
		d.captureFailure(ac, "login_"+req.Agent)
		return xerrors.Wrap(CodeAuthFailed, err, "填写密码失败")
	}
	d.think()
	if err := ac.page.Keyboard().Press("Enter"); err != nil {
		return xerrors.Wrap(CodeAuthFailed, err, "提交密码失败")
	}

	if _, err := d.waitForTarget(ctx, ac, "logged_in_marker"); err != nil {
		d.captureFailure(ac, "login_"+req.Agent)
		return xerrors.Wrap(CodeAuthFailed, err, "登录后未检测到已登录标记")
	}
	return nil
}

// post 发布一条内容并尽力取回帖子链接。
func (d *PlaywrightDriver) post(ctx context.Context, ac *agentContext, action Action, text string) (*ActionResult, error) {
	if _, err := ac.page.Goto(d.baseURL+"/compose/post", playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "打开发布页失败")
	}
	if loginRedirected(ac.page.URL()) {
		return nil, xerrors.New(CodeAuthExpired, "访问发布页被重定向到登录页")
	}

	d.think()
	if err := d.fillTarget(ctx, ac, "compose_box", text); err != nil {
		return nil, err
	}
	d.think()

	strategy, err := d.waitForTarget(ctx, ac, "post_button")
	if err != nil {
		return nil, err
	}
	if err := ac.page.Locator(strategy.Selector).Click(); err != nil {
		return nil, xerrors.Wrap(CodeLocatorNotFound, err, "点击发布按钮失败")
	}

	ref := d.resolvePostRef(ac)
	if ref == "" {
		// 发布动作已经触发，拿不到链接时按未验证成功处理。
		bundle := d.captureFailure(ac, action.TaskID)
		evidence := map[string]string{"page_url": ac.page.URL()}
		if bundle != "" {
			evidence["diagnostics"] = bundle
		}
		d.log.Warn("未能确认发布结果", slog.String("task_id", action.TaskID))
		return &ActionResult{Unverified: true, Evidence: evidence}, nil
	}
	return &ActionResult{Ref: ref}, nil
}

// resolvePostRef 轮询页面，提取发布后的帖子链接。
func (d *PlaywrightDriver) resolvePostRef(ac *agentContext) string {
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if ref := statusURL(ac.page.URL()); ref != "" {
			return ref
		}
		links := collectStatusLinks(ac.page)
		for _, link := range links {
			if ref := statusURL(link); ref != "" {
				return ref
			}
		}
		d.sleep(500 * time.Millisecond)
	}
	return ""
}

// collectStatusLinks 从时间线抓取帖子链接候选。
func collectStatusLinks(page playwright.Page) []string {
	result, err := page.Evaluate(`() => Array.from(document.querySelectorAll('a[href*="/status/"]')).slice(0, 10).map(a => a.href)`)
	if err != nil {
		return nil
	}
	raw, ok := result.([]interface{})
	if !ok {
		return nil
	}
	links := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			links = append(links, s)
		}
	}
	return links
}

// statusURL 判断候选链接是否指向具体帖子，是则返回规范化链接。
func statusURL(candidate string) string {
	idx := strings.Index(candidate, "/status/")
	if idx < 0 {
		return ""
	}
	id := candidate[idx+len("/status/"):]
	if cut := strings.IndexAny(id, "/?#"); cut >= 0 {
		id = id[:cut]
	}
	if id == "" {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return candidate[:idx+len("/status/")] + id
}

// loginRedirected 判断当前地址是否落在登录流程。
func loginRedirected(url string) bool {
	return strings.Contains(url, "/login") || strings.Contains(url, "/i/flow/login")
}

// waitForTarget 按配置的策略列表等待目标元素出现。
func (d *PlaywrightDriver) waitForTarget(ctx context.Context, ac *agentContext, target string) (Strategy, error) {
	strategies := d.locators.StrategiesFor(d.name, target)
	return tryStrategies(ctx, target, strategies, func(_ context.Context, s Strategy) error {
		return ac.page.Locator(s.Selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(float64(s.Wait().Milliseconds())),
		})
	})
}

// fillTarget 定位目标元素并填入文本。
func (d *PlaywrightDriver) fillTarget(ctx context.Context, ac *agentContext, target, text string) error {
	strategy, err := d.waitForTarget(ctx, ac, target)
	if err != nil {
		return err
	}
	locator := ac.page.Locator(strategy.Selector).First()
	if err := locator.Fill(text); err != nil {
		return xerrors.Wrap(CodeLocatorNotFound, err, "填写目标 "+target+" 失败")
	}
	return nil
}

// persistSession 把当前上下文的 cookie 写回会话存储。
func (d *PlaywrightDriver) persistSession(ctx context.Context, ac *agentContext, agent string) {
	if d.sessions == nil {
		return
	}
	cookies, err := ac.browserCtx.Cookies(d.baseURL)
	if err != nil {
		d.log.Warn("导出 cookie 失败", slog.String("agent", agent), slog.Any("error", err))
		return
	}
	tokens := make(map[string]string, len(cookies))
	for _, c := range cookies {
		tokens[c.Name] = c.Value
	}
	sess := &session.Session{
		Agent:      agent,
		Surface:    d.name,
		Tokens:     tokens,
		CapturedAt: time.Now(),
		Live:       true,
	}
	if err := d.sessions.Save(ctx, sess); err != nil {
		d.log.Warn("保存会话失败", slog.String("agent", agent), slog.Any("error", err))
	}
}

// captureFailure 收集失败现场，返回诊断包路径。
func (d *PlaywrightDriver) captureFailure(ac *agentContext, key string) string {
	html, _ := ac.page.Content()
	ac.consoleMu.Lock()
	console := append([]string(nil), ac.console...)
	ac.consoleMu.Unlock()
	return d.diag.Capture(key, func(path string) error {
		_, err := ac.page.Screenshot(playwright.PageScreenshotOptions{Path: playwright.String(path)})
		return err
	}, html, console)
}

// think 在相邻动作之间加入随机停顿，模拟人工操作节奏。
func (d *PlaywrightDriver) think() {
	span := d.thinkMax - d.thinkMin
	delay := d.thinkMin
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	d.sleep(delay)
}

var _ Driver = (*PlaywrightDriver)(nil)
