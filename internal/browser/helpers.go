package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// In-page helpers. Element enumeration runs entirely inside the page so the
// index space the agent sees is stable between the summary and the next
// click/input action: both evaluate the same script against the same DOM.

// findClickableJS enumerates clickable elements in DOM order, filtered to
// those that are visible (non-zero box, not display:none or hidden) and
// within an expanded viewport around the current scroll position.
const findClickableJS = `(() => {
	const selector = 'a[href], button, input[type="button"], input[type="submit"], input[type="reset"], input[type="checkbox"], input[type="radio"], select, [onclick], [role="button"], [role="link"], [role="tab"], [role="menuitem"]';
	const margin = window.innerHeight;
	const top = window.scrollY - margin;
	const bottom = window.scrollY + window.innerHeight + margin;
	const results = [];
	for (const el of document.querySelectorAll(selector)) {
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden') continue;
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) continue;
		const y = rect.top + window.scrollY;
		if (y + rect.height < top || y > bottom) continue;
		let text = (el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('placeholder') || el.getAttribute('alt') || el.getAttribute('title') || '').trim();
		text = text.replace(/\s+/g, ' ').slice(0, 100);
		results.push({
			tag: el.tagName.toLowerCase(),
			text: text,
			href: el.getAttribute('href') || '',
			rect: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
		});
	}
	return results;
})()`

// findInputsJS enumerates editable elements with the same visibility and
// viewport rules as findClickableJS.
const findInputsJS = `(() => {
	const selector = 'input:not([type="button"]):not([type="submit"]):not([type="reset"]):not([type="checkbox"]):not([type="radio"]):not([type="hidden"]), textarea, [contenteditable="true"]';
	const margin = window.innerHeight;
	const top = window.scrollY - margin;
	const bottom = window.scrollY + window.innerHeight + margin;
	const results = [];
	for (const el of document.querySelectorAll(selector)) {
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden') continue;
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) continue;
		const y = rect.top + window.scrollY;
		if (y + rect.height < top || y > bottom) continue;
		let text = (el.getAttribute('placeholder') || el.getAttribute('aria-label') || el.getAttribute('name') || el.value || '').trim();
		text = text.replace(/\s+/g, ' ').slice(0, 100);
		results.push({
			tag: el.tagName.toLowerCase(),
			text: text,
			href: '',
			rect: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
		});
	}
	return results;
})()`

// extractContentJS returns the visible text of the page.
const extractContentJS = `(() => {
	return (document.body ? document.body.innerText : '').trim();
})()`

// scrollMetricsJS reports the page and viewport geometry used to compute
// pixels_above and pixels_below.
const scrollMetricsJS = `(() => {
	return {
		scrollY: window.scrollY,
		innerHeight: window.innerHeight,
		scrollHeight: document.documentElement.scrollHeight,
	};
})()`

// initConsoleJS installs a ring buffer that intercepts console.* so the
// console_view verb can return recent lines. Idempotent.
const initConsoleJS = `(() => {
	if (window.__sandboxConsoleLogs) return true;
	window.__sandboxConsoleLogs = [];
	const cap = 1000;
	for (const level of ['log', 'info', 'warn', 'error', 'debug']) {
		const original = console[level].bind(console);
		console[level] = (...args) => {
			const line = '[' + level + '] ' + args.map(a => {
				try { return typeof a === 'string' ? a : JSON.stringify(a); }
				catch (e) { return String(a); }
			}).join(' ');
			window.__sandboxConsoleLogs.push(line);
			if (window.__sandboxConsoleLogs.length > cap) window.__sandboxConsoleLogs.shift();
			original(...args);
		};
	}
	return true;
})()`

// pageElement is one entry of the in-page element enumeration.
type pageElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
	Href string `json:"href"`
	Rect struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"rect"`
}

// center returns the viewport coordinates of the element's midpoint.
func (e *pageElement) center() (float64, float64) {
	return e.Rect.X + e.Rect.Width/2, e.Rect.Y + e.Rect.Height/2
}

// summarize renders the compact element listing returned alongside every
// action result, one "<index>[:]<short description>" per line.
func summarize(elements []pageElement) string {
	var b strings.Builder
	for i, el := range elements {
		desc := el.Text
		if desc == "" && el.Href != "" {
			desc = el.Href
		}
		if desc == "" {
			desc = "<" + el.Tag + ">"
		} else {
			desc = fmt.Sprintf("<%s> %s", el.Tag, desc)
		}
		fmt.Fprintf(&b, "%d[:]%s\n", i, desc)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// consoleLogsJS builds the expression returning the last maxLines console
// lines captured by the ring buffer.
func consoleLogsJS(maxLines int) string {
	return fmt.Sprintf(`(() => {
	const logs = window.__sandboxConsoleLogs || [];
	return logs.slice(-%d).join('\n');
})()`, maxLines)
}

// evalExprJS wraps arbitrary caller JavaScript so that evaluation always
// yields a string: the expression's string form on success, an error message
// on throw. The caller code is passed through JSON so quoting is safe.
func evalExprJS(js string) string {
	quoted, _ := json.Marshal(js)
	return fmt.Sprintf(`(() => {
	try {
		const result = (0, eval)(%s);
		if (result === undefined) return 'undefined';
		if (result === null) return 'null';
		if (typeof result === 'object') {
			try { return JSON.stringify(result); } catch (e) { return String(result); }
		}
		return String(result);
	} catch (e) {
		return 'Error: ' + (e && e.message ? e.message : String(e));
	}
})()`, string(quoted))
}

// scrollToJS scrolls the page so that y sits just below the top of the
// viewport before a pointer action lands there.
func scrollToJS(y float64) string {
	target := y - 100
	if target < 0 {
		target = 0
	}
	return fmt.Sprintf("window.scrollTo(0, %.0f)", target)
}
