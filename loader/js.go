package loader

// Page-side function expressions. Each is evaluated with the listed
// arguments and awaited as a promise.

// jsLoadScript(url): appends one script element to document head, resolving
// on load and rejecting on error. Never deduplicates.
const jsLoadScript = `(url) => new Promise((resolve, reject) => {
	const s = document.createElement('script');
	s.src = url;
	s.onload = () => resolve(true);
	s.onerror = () => reject(new Error('script load failed: ' + url));
	document.head.appendChild(s);
})`

// jsInitSharedScope(): creates the page-global shared dependency scope,
// joining the page's module-federation default scope when the runtime
// provides one, otherwise a plain object. Returns true once the scope
// exists; re-running is a no-op.
const jsInitSharedScope = `() => {
	if (window.__carnetShareScope) return true;
	if (typeof window.__webpack_init_sharing__ === 'function') {
		return Promise.resolve(window.__webpack_init_sharing__('default')).then(() => {
			window.__carnetShareScope = window.__webpack_share_scopes__.default;
			return true;
		});
	}
	window.__carnetShareScope = {};
	return true;
}`

// jsInitPlugin(registry, name, entry): looks up the bundle's registration
// object by its declared name, validates the init capability, and invokes
// init(sharedScope). When a sub-entry is named and the bundle supports
// get(), the sub-module is resolved to force its load.
const jsInitPlugin = `(registry, name, entry) => {
	const container = (window[registry] || {})[name];
	if (!container) throw new Error('plugin not registered: ' + name);
	if (typeof container.init !== 'function') throw new Error('plugin missing init: ' + name);
	return Promise.resolve(container.init(window.__carnetShareScope)).then(() => {
		if (entry && typeof container.get === 'function') {
			return Promise.resolve(container.get(entry)).then(() => true);
		}
		return true;
	});
}`

// jsInvokeEntry(name, selector): resolves the entry callable from the page
// global and invokes it with the container element, awaiting its promise.
const jsInvokeEntry = `(name, selector) => {
	const entry = window[name];
	if (entry === undefined || entry === null) throw new Error('entry not found: ' + name);
	const fn = (typeof entry.main === 'function') ? entry.main
		: (typeof entry.default === 'function') ? entry.default
		: (typeof entry === 'function') ? entry
		: null;
	if (!fn) throw new Error('entry has no callable: ' + name);
	const el = document.querySelector(selector);
	if (!el) throw new Error('container not found: ' + selector);
	return Promise.resolve(fn(el)).then(() => true);
}`
