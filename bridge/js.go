package bridge

// Page-side contract: the embedded app's main entry attaches its
// programmatic API to the container element as el.carnetApi, exposing
// exec(code), execInFile(fileId, code), install(pkg), listOpenFiles().
// The page global mirrors that surface: top-level calls route to the sole
// live instance, at(container) scopes them when several are mounted.

// jsInstallGlobal creates the page global when absent. Instance entries are
// keyed by container selector, unique per the registry invariant.
const jsInstallGlobal = `(name) => {
	if (window[name]) return false;
	const bridge = {
		instances: Object.create(null),
		at(container) {
			const e = bridge.instances[container];
			if (!e) throw new Error('carnet: no instance in ' + container);
			return e.handle;
		},
		_sole() {
			const keys = Object.keys(bridge.instances);
			if (keys.length !== 1) {
				throw new Error('carnet: ' + keys.length + ' instances live, use at(container)');
			}
			return bridge.instances[keys[0]].handle;
		},
		exec(code) { return bridge._sole().exec(code); },
		execInFile(fileId, code) { return bridge._sole().execInFile(fileId, code); },
		install(pkg) { return bridge._sole().install(pkg); },
		listOpenFiles() { return bridge._sole().listOpenFiles(); },
	};
	window[name] = bridge;
	return true;
}`

// jsRegisterInstance adds one instance entry with a handle bound to the
// container's API. Options are stored verbatim for the app and console.
const jsRegisterInstance = `(name, container, options) => {
	const bridge = window[name];
	if (!bridge) throw new Error('carnet: bridge global missing: ' + name);
	const api = () => {
		const el = document.querySelector(container);
		const a = el && el.carnetApi;
		if (!a) throw new Error('carnet: instance in ' + container + ' exposes no api');
		return a;
	};
	bridge.instances[container] = {
		options: options || {},
		handle: {
			exec: (code) => Promise.resolve(api().exec(code)),
			execInFile: (fileId, code) => Promise.resolve(api().execInFile(fileId, code)),
			install: (pkg) => Promise.resolve(api().install(pkg)),
			listOpenFiles: () => Promise.resolve(api().listOpenFiles()),
		},
	};
	return Object.keys(bridge.instances).length;
}`

// jsUnregisterInstance drops one entry and reports how many remain. Missing
// global or entry is a no-op.
const jsUnregisterInstance = `(name, container) => {
	const bridge = window[name];
	if (!bridge) return 0;
	delete bridge.instances[container];
	return Object.keys(bridge.instances).length;
}`

// jsTeardownGlobal deletes the page global. Reports whether it existed.
const jsTeardownGlobal = `(name) => {
	if (!window[name]) return false;
	delete window[name];
	return true;
}`

const jsExec = `(name, container, code) => {
	const bridge = window[name];
	if (!bridge) throw new Error('carnet: bridge not installed');
	return bridge.at(container).exec(code);
}`

const jsExecInFile = `(name, container, fileId, code) => {
	const bridge = window[name];
	if (!bridge) throw new Error('carnet: bridge not installed');
	return bridge.at(container).execInFile(fileId, code);
}`

const jsInstallPkg = `(name, container, pkg) => {
	const bridge = window[name];
	if (!bridge) throw new Error('carnet: bridge not installed');
	return bridge.at(container).install(pkg);
}`

const jsListOpenFiles = `(name, container) => {
	const bridge = window[name];
	if (!bridge) throw new Error('carnet: bridge not installed');
	return bridge.at(container).listOpenFiles();
}`
