package fingerprint

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SpoofScript builds the JavaScript that pins the page's fingerprint
// surfaces to fp. Injected before any document script runs.
func SpoofScript(fp *Fingerprint) string {
	langs, _ := json.Marshal(fp.Languages)
	fonts, _ := json.Marshal(fp.Fonts)

	var b strings.Builder
	b.WriteString("(() => {\n")

	fmt.Fprintf(&b, `
	Object.defineProperty(navigator, 'platform', { get: () => %q });
	Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => %d });
	Object.defineProperty(navigator, 'deviceMemory', { get: () => %d });
	Object.defineProperty(navigator, 'language', { get: () => %q });
	Object.defineProperty(navigator, 'languages', { get: () => %s });
`, fp.Platform, fp.HardwareConcurrency, fp.DeviceMemory, fp.Languages[0], langs)

	fmt.Fprintf(&b, `
	Object.defineProperty(screen, 'width', { get: () => %d });
	Object.defineProperty(screen, 'height', { get: () => %d });
	Object.defineProperty(screen, 'availWidth', { get: () => %d });
	Object.defineProperty(screen, 'availHeight', { get: () => %d });
	Object.defineProperty(screen, 'colorDepth', { get: () => %d });
	Object.defineProperty(screen, 'pixelDepth', { get: () => %d });
`, fp.ScreenWidth, fp.ScreenHeight, fp.ScreenWidth, fp.ScreenHeight-40, fp.ColorDepth, fp.ColorDepth)

	fmt.Fprintf(&b, `
	const webglVendor = %q;
	const webglRenderer = %q;
	const patchGL = (proto) => {
		const orig = proto.getParameter;
		proto.getParameter = function(param) {
			if (param === 37445) return webglVendor;
			if (param === 37446) return webglRenderer;
			return orig.apply(this, arguments);
		};
	};
	if (typeof WebGLRenderingContext !== 'undefined') patchGL(WebGLRenderingContext.prototype);
	if (typeof WebGL2RenderingContext !== 'undefined') patchGL(WebGL2RenderingContext.prototype);
`, fp.WebGLVendor, fp.WebGLRenderer)

	// Font probing goes through measureText width deltas; constraining
	// document.fonts.check is enough for the common detector libraries.
	fmt.Fprintf(&b, `
	const installedFonts = new Set(%s.map(f => f.toLowerCase()));
	if (document.fonts && document.fonts.check) {
		const origCheck = document.fonts.check.bind(document.fonts);
		document.fonts.check = (font, text) => {
			const m = /\d+px\s+["']?([^"',]+)/.exec(font);
			if (m && !installedFonts.has(m[1].trim().toLowerCase())) return false;
			return origCheck(font, text);
		};
	}
`, fonts)

	fmt.Fprintf(&b, `
	try {
		const origResolved = Intl.DateTimeFormat.prototype.resolvedOptions;
		Intl.DateTimeFormat.prototype.resolvedOptions = function() {
			const opts = origResolved.apply(this, arguments);
			opts.timeZone = %q;
			return opts;
		};
	} catch (e) {}
`, fp.Timezone)

	b.WriteString("})();\n")
	return b.String()
}
