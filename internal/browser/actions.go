package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/apierr"
)

// Verb payloads. Exactly one field of Action is set per request; the set
// field is the discriminator.

type NavigateAction struct {
	URL string `json:"url"`
}

type ClickAction struct {
	Index       *int     `json:"index,omitempty"`
	CoordinateX *float64 `json:"coordinate_x,omitempty"`
	CoordinateY *float64 `json:"coordinate_y,omitempty"`
}

type InputAction struct {
	Index       *int     `json:"index,omitempty"`
	CoordinateX *float64 `json:"coordinate_x,omitempty"`
	CoordinateY *float64 `json:"coordinate_y,omitempty"`
	Text        string   `json:"text"`
	PressEnter  bool     `json:"press_enter,omitempty"`
}

type PressKeyAction struct {
	Key string `json:"key"`
}

type SelectOptionAction struct {
	Index  int `json:"index"`
	Option int `json:"option"`
}

type ScrollUpAction struct {
	ToTop bool `json:"to_top,omitempty"`
}

type ScrollDownAction struct {
	ToBottom bool `json:"to_bottom,omitempty"`
}

type MoveMouseAction struct {
	CoordinateX float64 `json:"coordinate_x"`
	CoordinateY float64 `json:"coordinate_y"`
}

type ViewAction struct {
	Reload bool `json:"reload,omitempty"`
}

type ScreenshotAction struct {
	File   string `json:"file"`
	Reload bool   `json:"reload,omitempty"`
}

type ConsoleExecAction struct {
	JavaScript string `json:"javascript"`
}

type ConsoleViewAction struct {
	MaxLines *int `json:"max_lines,omitempty"`
}

type RestartAction struct {
	URL string `json:"url"`
}

// Action is the discriminated union over the verb set. Exactly one field must
// be non-nil.
type Action struct {
	Navigate     *NavigateAction     `json:"navigate,omitempty"`
	Click        *ClickAction        `json:"click,omitempty"`
	Input        *InputAction        `json:"input,omitempty"`
	PressKey     *PressKeyAction     `json:"press_key,omitempty"`
	SelectOption *SelectOptionAction `json:"select_option,omitempty"`
	ScrollUp     *ScrollUpAction     `json:"scroll_up,omitempty"`
	ScrollDown   *ScrollDownAction   `json:"scroll_down,omitempty"`
	MoveMouse    *MoveMouseAction    `json:"move_mouse,omitempty"`
	View         *ViewAction         `json:"view,omitempty"`
	Screenshot   *ScreenshotAction   `json:"screenshot,omitempty"`
	ConsoleExec  *ConsoleExecAction  `json:"console_exec,omitempty"`
	ConsoleView  *ConsoleViewAction  `json:"console_view,omitempty"`
	Restart      *RestartAction      `json:"restart,omitempty"`
}

// Kind returns the discriminator name of the single set verb. An action with
// zero or multiple verbs set is a validation error.
func (a *Action) Kind() (string, error) {
	kinds := []struct {
		name string
		set  bool
	}{
		{"navigate", a.Navigate != nil},
		{"click", a.Click != nil},
		{"input", a.Input != nil},
		{"press_key", a.PressKey != nil},
		{"select_option", a.SelectOption != nil},
		{"scroll_up", a.ScrollUp != nil},
		{"scroll_down", a.ScrollDown != nil},
		{"move_mouse", a.MoveMouse != nil},
		{"view", a.View != nil},
		{"screenshot", a.Screenshot != nil},
		{"console_exec", a.ConsoleExec != nil},
		{"console_view", a.ConsoleView != nil},
		{"restart", a.Restart != nil},
	}
	name := ""
	for _, k := range kinds {
		if !k.set {
			continue
		}
		if name != "" {
			return "", apierr.Validation("multiple actions specified: %s and %s", name, k.name)
		}
		name = k.name
	}
	if name == "" {
		return "", apierr.Validation("no action specified in the request")
	}
	return name, nil
}

// ActionRequest wraps an action with optional upload names for the marked
// and clean screenshots.
type ActionRequest struct {
	Action                Action `json:"action"`
	ScreenshotUpload      string `json:"screenshot_upload,omitempty"`
	CleanScreenshotUpload string `json:"clean_screenshot_upload,omitempty"`
}

// ActionResult carries the outcome of one verb.
type ActionResult struct {
	URL                     string `json:"url"`
	Title                   string `json:"title"`
	Result                  string `json:"result"`
	Error                   string `json:"error,omitempty"`
	ScreenshotUploaded      bool   `json:"screenshot_uploaded"`
	CleanScreenshotUploaded bool   `json:"clean_screenshot_uploaded"`
	ScreenshotHandle        string `json:"screenshot_handle,omitempty"`
	CleanScreenshotHandle   string `json:"clean_screenshot_handle,omitempty"`
	Elements                string `json:"elements"`
	Markdown                string `json:"markdown,omitempty"`
	PixelsAbove             int    `json:"pixels_above"`
	PixelsBelow             int    `json:"pixels_below"`
}

// ExecuteAction dispatches one verb under the per-action timeout. A timeout
// or dead page recreates the page before the error is surfaced, so the next
// action runs against a live target.
func (s *Session) ExecuteAction(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	kind, err := req.Action.Kind()
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("executing browser action", zap.String("action", kind))

	// Restart replaces the whole process; it never targets the current page.
	if req.Action.Restart != nil {
		return s.doRestart(ctx, req.Action.Restart)
	}

	pageCtx, err := s.page()
	if err != nil {
		return nil, err
	}
	actionCtx, cancel := context.WithTimeout(pageCtx, actionTimeout)
	defer cancel()

	result, err := s.dispatch(actionCtx, req)
	if err != nil {
		err = classify(actionCtx, err)
		switch apierr.KindOf(err) {
		case apierr.KindTimeout, apierr.KindPageDead:
			if rerr := s.RecreatePage(ctx); rerr != nil {
				s.logger.WithError(rerr).Error("page recovery failed")
			}
		}
		s.logger.WithError(err).Error("browser action failed", zap.String("action", kind))
		return nil, err
	}

	s.enrich(result)
	return result, nil
}

func (s *Session) dispatch(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	a := &req.Action
	switch {
	case a.Navigate != nil:
		return s.doNavigate(ctx, a.Navigate.URL)
	case a.Click != nil:
		return s.doClick(ctx, a.Click)
	case a.Input != nil:
		return s.doInput(ctx, a.Input)
	case a.PressKey != nil:
		return s.doPressKey(ctx, a.PressKey.Key)
	case a.SelectOption != nil:
		return s.doSelectOption(ctx, a.SelectOption)
	case a.ScrollUp != nil:
		return s.doScroll(ctx, -1, a.ScrollUp.ToTop)
	case a.ScrollDown != nil:
		return s.doScroll(ctx, 1, a.ScrollDown.ToBottom)
	case a.MoveMouse != nil:
		return s.doMoveMouse(ctx, a.MoveMouse)
	case a.View != nil:
		return s.doView(ctx, a.View.Reload)
	case a.Screenshot != nil:
		return s.doScreenshot(ctx, req)
	case a.ConsoleExec != nil:
		return s.doConsoleExec(ctx, a.ConsoleExec.JavaScript)
	case a.ConsoleView != nil:
		return s.doConsoleView(ctx, a.ConsoleView.MaxLines)
	default:
		return nil, apierr.Validation("no action specified in the request")
	}
}

// scrollMetrics is the page geometry snapshot behind pixels_above/below.
type scrollMetrics struct {
	ScrollY      float64 `json:"scrollY"`
	InnerHeight  float64 `json:"innerHeight"`
	ScrollHeight float64 `json:"scrollHeight"`
}

func (m *scrollMetrics) pixelsAbove() int {
	if m.ScrollY < 0 {
		return 0
	}
	return int(m.ScrollY)
}

func (m *scrollMetrics) pixelsBelow() int {
	below := m.ScrollHeight - (m.ScrollY + m.InnerHeight)
	if below < 0 {
		return 0
	}
	return int(below)
}

// pageDetails fills in the result's url, title, and scroll geometry.
func (s *Session) pageDetails(ctx context.Context, result *ActionResult) error {
	var metrics scrollMetrics
	if err := chromedp.Run(ctx,
		chromedp.Location(&result.URL),
		chromedp.Title(&result.Title),
		chromedp.Evaluate(scrollMetricsJS, &metrics),
	); err != nil {
		return err
	}
	result.PixelsAbove = metrics.pixelsAbove()
	result.PixelsBelow = metrics.pixelsBelow()
	return nil
}

// enrich recomputes the clickable-element summary after a successful action
// so the caller can address elements by index without re-scraping. Failures
// leave the summary empty; the action itself already succeeded.
func (s *Session) enrich(result *ActionResult) {
	pageCtx, err := s.page()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(pageCtx, 5*time.Second)
	defer cancel()

	var elements []pageElement
	if err := chromedp.Run(ctx, chromedp.Evaluate(findClickableJS, &elements)); err != nil {
		s.logger.WithError(err).Debug("element summary failed")
		return
	}
	result.Elements = summarize(elements)
}

func (s *Session) doNavigate(ctx context.Context, url string) (*ActionResult, error) {
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		// Settle time for late redirects and client-side rendering.
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		if classified := classify(ctx, err); apierr.KindOf(classified) == apierr.KindTimeout {
			return s.partialNavigateResult(url)
		}
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	result := &ActionResult{Result: fmt.Sprintf("Navigated to %s", url)}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// partialNavigateResult reports whatever the page has after a navigation
// timeout. The page often rendered enough to be useful.
func (s *Session) partialNavigateResult(url string) (*ActionResult, error) {
	pageCtx, err := s.page()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, 3*time.Second)
	defer cancel()

	result := &ActionResult{Result: "Navigation timed out, but page partially loaded"}
	if derr := s.pageDetails(ctx, result); derr != nil {
		return nil, apierr.New(apierr.KindTimeout, "navigation to %s timed out", url)
	}
	return result, nil
}

// elementCenter scrolls the index-th element of the enumeration into view and
// returns its viewport center after the scroll.
func (s *Session) elementCenter(ctx context.Context, enumJS, what string, index int) (float64, float64, error) {
	var elements []pageElement
	if err := chromedp.Run(ctx, chromedp.Evaluate(enumJS, &elements)); err != nil {
		return 0, 0, err
	}
	if index < 0 || index >= len(elements) {
		return 0, 0, apierr.Validation("index %d is out of range, only %d %s elements found", index, len(elements), what)
	}

	var metrics scrollMetrics
	if err := chromedp.Run(ctx, chromedp.Evaluate(scrollMetricsJS, &metrics)); err != nil {
		return 0, 0, err
	}
	_, y := elements[index].center()
	absY := y + metrics.ScrollY

	// Re-enumerate after scrolling: viewport-relative rects moved.
	if err := chromedp.Run(ctx, chromedp.Evaluate(scrollToJS(absY), nil)); err != nil {
		return 0, 0, err
	}
	if err := chromedp.Run(ctx, chromedp.Evaluate(enumJS, &elements)); err != nil {
		return 0, 0, err
	}
	if index >= len(elements) {
		return 0, 0, apierr.New(apierr.KindInternal, "element %d disappeared after scrolling", index)
	}
	x, y := elements[index].center()
	return x, y, nil
}

func (s *Session) doClick(ctx context.Context, params *ClickAction) (*ActionResult, error) {
	var before ActionResult
	if err := chromedp.Run(ctx, chromedp.Location(&before.URL)); err != nil {
		return nil, err
	}

	var x, y float64
	switch {
	case params.Index != nil:
		var err error
		x, y, err = s.elementCenter(ctx, findClickableJS, "clickable", *params.Index)
		if err != nil {
			return nil, err
		}
	case params.CoordinateX != nil && params.CoordinateY != nil:
		x, y = *params.CoordinateX, *params.CoordinateY
		if err := chromedp.Run(ctx, chromedp.Evaluate(scrollToJS(y), nil)); err != nil {
			return nil, err
		}
	default:
		return nil, apierr.Validation("either index or coordinates must be provided for click action")
	}

	if err := chromedp.Run(ctx,
		chromedp.MouseClickXY(x, y),
		// Give a resulting navigation a moment to start and settle.
		chromedp.Sleep(time.Second),
	); err != nil {
		return nil, fmt.Errorf("failed to perform click action: %w", err)
	}

	result := &ActionResult{}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	if result.URL != before.URL {
		result.Result = "Click action navigated to a new page"
	} else {
		result.Result = "Click action clicked successfully"
	}
	return result, nil
}

func (s *Session) doInput(ctx context.Context, params *InputAction) (*ActionResult, error) {
	var before ActionResult
	if err := chromedp.Run(ctx, chromedp.Location(&before.URL)); err != nil {
		return nil, err
	}

	var x, y float64
	switch {
	case params.Index != nil:
		var err error
		x, y, err = s.elementCenter(ctx, findInputsJS, "input", *params.Index)
		if err != nil {
			return nil, err
		}
	case params.CoordinateX != nil && params.CoordinateY != nil:
		x, y = *params.CoordinateX, *params.CoordinateY
		if err := chromedp.Run(ctx, chromedp.Evaluate(scrollToJS(y), nil)); err != nil {
			return nil, err
		}
	default:
		return nil, apierr.Validation("either index or coordinates must be provided for input action")
	}

	actions := []chromedp.Action{
		chromedp.MouseClickXY(x, y),
		// Clear existing content before typing.
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Delete),
		chromedp.KeyEvent(params.Text),
	}
	if params.PressEnter {
		actions = append(actions,
			chromedp.KeyEvent(kb.Enter),
			chromedp.Sleep(time.Second),
		)
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("failed to perform input action: %w", err)
	}

	result := &ActionResult{Result: "Text input successful"}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	if result.URL != before.URL {
		result.Result = "Text input successful and navigated to a new page"
	}
	return result, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// keyNames maps agent-facing key names to DevTools key identifiers.
var keyNames = map[string]string{
	"enter":     kb.Enter,
	"tab":       kb.Tab,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"esc":       kb.Escape,
	"escape":    kb.Escape,
	"up":        kb.ArrowUp,
	"down":      kb.ArrowDown,
	"left":      kb.ArrowLeft,
	"right":     kb.ArrowRight,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
	"home":      kb.Home,
	"end":       kb.End,
	"space":     " ",
}

func (s *Session) doPressKey(ctx context.Context, key string) (*ActionResult, error) {
	var before ActionResult
	if err := chromedp.Run(ctx, chromedp.Location(&before.URL)); err != nil {
		return nil, err
	}

	seq, ok := keyNames[normalizeKey(key)]
	if !ok {
		if len([]rune(key)) != 1 {
			return nil, apierr.Validation("unsupported key: %s", key)
		}
		seq = key
	}
	if err := chromedp.Run(ctx,
		chromedp.KeyEvent(seq),
		chromedp.Sleep(time.Second),
	); err != nil {
		return nil, fmt.Errorf("failed to press key %q: %w", key, err)
	}

	result := &ActionResult{Result: fmt.Sprintf("Pressed key %q", key)}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	if result.URL != before.URL {
		result.Result += " and navigated to a new page"
	}
	return result, nil
}

func (s *Session) doSelectOption(ctx context.Context, params *SelectOptionAction) (*ActionResult, error) {
	// The whole interaction runs in-page: finding the select, bounds checks,
	// setting selectedIndex, and firing the change event.
	js := fmt.Sprintf(`(() => {
	const selects = document.querySelectorAll('select');
	if (%[1]d < 0 || %[1]d >= selects.length) {
		return {error: 'Index %[1]d is out of range. Only ' + selects.length + ' select elements found.'};
	}
	const sel = selects[%[1]d];
	sel.scrollIntoView({block: 'center'});
	if (%[2]d < 0 || %[2]d >= sel.options.length) {
		return {error: 'Option index %[2]d is out of range. Only ' + sel.options.length + ' options found.'};
	}
	sel.selectedIndex = %[2]d;
	sel.dispatchEvent(new Event('change', {bubbles: true}));
	return {text: sel.options[%[2]d].text};
})()`, params.Index, params.Option)

	var outcome struct {
		Error string `json:"error"`
		Text  string `json:"text"`
	}
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(js, &outcome),
		chromedp.Sleep(500*time.Millisecond),
	); err != nil {
		return nil, fmt.Errorf("failed to select option: %w", err)
	}
	if outcome.Error != "" {
		return nil, apierr.Validation("%s", outcome.Error)
	}

	result := &ActionResult{
		Result: fmt.Sprintf("Selected option %q from select element at index %d", outcome.Text, params.Index),
	}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// doScroll moves the viewport by one height in direction (+1 down, -1 up),
// or all the way when toEdge is set.
func (s *Session) doScroll(ctx context.Context, direction int, toEdge bool) (*ActionResult, error) {
	var metrics scrollMetrics
	if err := chromedp.Run(ctx, chromedp.Evaluate(scrollMetricsJS, &metrics)); err != nil {
		return nil, err
	}

	var target float64
	switch {
	case toEdge && direction > 0:
		target = metrics.ScrollHeight
	case toEdge:
		target = 0
	default:
		target = metrics.ScrollY + float64(direction)*metrics.InnerHeight
		if target < 0 {
			target = 0
		}
	}

	if err := chromedp.Run(ctx,
		chromedp.Evaluate(fmt.Sprintf("window.scrollTo(0, %.0f)", target), nil),
		// Let lazy-loaded content land before measuring.
		chromedp.Sleep(500*time.Millisecond),
	); err != nil {
		return nil, fmt.Errorf("failed to scroll: %w", err)
	}

	result := &ActionResult{}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	switch {
	case toEdge && direction > 0:
		result.Result = "Scrolled to bottom of page"
	case toEdge:
		result.Result = "Scrolled to top of page"
	default:
		result.Result = fmt.Sprintf("Scrolled to position %dpx", result.PixelsAbove)
	}
	return result, nil
}

func (s *Session) doMoveMouse(ctx context.Context, params *MoveMouseAction) (*ActionResult, error) {
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(scrollToJS(params.CoordinateY), nil),
		chromedp.MouseEvent(input.MouseMoved, params.CoordinateX, params.CoordinateY),
	); err != nil {
		return nil, fmt.Errorf("failed to move mouse: %w", err)
	}

	result := &ActionResult{
		Result: fmt.Sprintf("Moved mouse to coordinates (%.0f, %.0f)", params.CoordinateX, params.CoordinateY),
	}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) doView(ctx context.Context, reload bool) (*ActionResult, error) {
	if reload {
		if err := chromedp.Run(ctx, chromedp.Reload(), chromedp.Sleep(time.Second)); err != nil {
			return nil, fmt.Errorf("failed to reload page: %w", err)
		}
	}

	var content string
	if err := chromedp.Run(ctx, chromedp.Evaluate(extractContentJS, &content)); err != nil {
		return nil, fmt.Errorf("failed to view page content: %w", err)
	}

	result := &ActionResult{Result: content, Markdown: content}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) doScreenshot(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	params := req.Action.Screenshot
	if params.Reload {
		if err := chromedp.Run(ctx, chromedp.Reload(), chromedp.Sleep(time.Second)); err != nil {
			return nil, fmt.Errorf("failed to reload page: %w", err)
		}
	}

	result := &ActionResult{}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}

	var shot []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&shot, 90)); err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}

	path := params.File
	if path == "" {
		var err error
		if path, err = s.screenshotPath(result.URL); err != nil {
			return nil, err
		}
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.WorkDir, path)
	}
	if err := writeScreenshot(path, shot); err != nil {
		return nil, err
	}
	result.Result = fmt.Sprintf("Screenshot saved to %s", path)

	// Both variants come from the same full-page capture.
	s.uploadScreenshots(req, shot, shot, result)
	return result, nil
}

func (s *Session) doConsoleExec(ctx context.Context, js string) (*ActionResult, error) {
	var value string
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(initConsoleJS, nil),
		chromedp.Evaluate(evalExprJS(js), &value),
	); err != nil {
		return nil, fmt.Errorf("failed to execute JavaScript: %w", err)
	}

	result := &ActionResult{Result: fmt.Sprintf("JavaScript executed successfully. Result: %s", value)}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) doConsoleView(ctx context.Context, maxLines *int) (*ActionResult, error) {
	limit := 100
	if maxLines != nil && *maxLines > 0 {
		limit = *maxLines
	}

	var logs string
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(initConsoleJS, nil),
		chromedp.Evaluate(consoleLogsJS(limit), &logs),
	); err != nil {
		return nil, fmt.Errorf("failed to view console logs: %w", err)
	}

	result := &ActionResult{Result: "Console logs:\n\n" + logs}
	if err := s.pageDetails(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) doRestart(ctx context.Context, params *RestartAction) (*ActionResult, error) {
	if err := s.Restart(ctx); err != nil {
		return nil, err
	}
	result, err := s.execPostRestartNavigate(ctx, params.URL)
	if err != nil {
		return nil, err
	}
	result.Result = fmt.Sprintf("Browser restarted and navigated to %s", params.URL)
	s.enrich(result)
	return result, nil
}

func (s *Session) execPostRestartNavigate(ctx context.Context, url string) (*ActionResult, error) {
	pageCtx, err := s.page()
	if err != nil {
		return nil, err
	}
	navCtx, cancel := context.WithTimeout(pageCtx, actionTimeout)
	defer cancel()
	return s.doNavigate(navCtx, url)
}
