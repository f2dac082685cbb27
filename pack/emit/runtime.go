package emit

// runtime is the module registry prepended to every chunk script.  The first chunk to run installs it; later chunks
// find it already present.
const runtime = `(function (root) {
  if (root.__pack__) return;
  var defs = {}, deps = {}, cache = {}, chunks = {}, loading = {}, accepted = {};

  function resolve(from, spec) {
    var map = deps[from] || {};
    return Object.prototype.hasOwnProperty.call(map, spec) ? map[spec] : spec;
  }

  function require(name) {
    var mod = cache[name];
    if (mod) return mod.exports;
    var def = defs[name];
    if (!def) throw new Error('pack: module ' + name + ' is not loaded');
    mod = cache[name] = {
      id: name,
      exports: {},
      hot: { accept: function (fn) { accepted[name] = fn || true; } }
    };
    def.call(mod.exports, mod, mod.exports,
      function (spec) { return require(resolve(name, spec)); },
      function (spec) { return load(resolve(name, spec)); });
    return mod.exports;
  }

  function fetch(url) {
    if (!loading[url]) loading[url] = new Promise(function (ok, fail) {
      var css = /\.css(\?|$)/.test(url);
      var el = document.createElement(css ? 'link' : 'script');
      if (css) { el.rel = 'stylesheet'; el.href = url; } else { el.src = url; }
      el.onload = ok;
      el.onerror = function () { fail(new Error('pack: failed to load ' + url)); };
      document.head.appendChild(el);
    });
    return loading[url];
  }

  function load(name) {
    if (defs[name]) return Promise.resolve().then(function () { return require(name); });
    return Promise.all((chunks[name] || []).map(fetch)).then(function () { return require(name); });
  }

  function style(id, css) {
    var el = document.querySelector('style[data-pack-module="' + id + '"]');
    if (!el) {
      el = document.createElement('style');
      el.setAttribute('data-pack-module', id);
      document.head.appendChild(el);
    }
    el.textContent = css;
  }

  root.__pack__ = {
    define: function (name, map, fn) { defs[name] = fn; deps[name] = map; },
    chunks: function (map) { for (var k in map) chunks[k] = map[k]; },
    start: function (names) { for (var i = 0; i < names.length; i++) require(names[i]); },
    require: require,
    style: function (id, css) { style(id, css); var mod = cache[id]; if (mod) mod.hot.accept(); },
    accepted: function () { return Object.keys(accepted); },
    loaded: function (name) { return !!cache[name]; },
    update: function (name) {
      var fn = accepted[name];
      if (!fn) return false;
      delete cache[name];
      require(name);
      if (typeof fn === 'function') fn();
      return true;
    }
  };
})(typeof self !== 'undefined' ? self : this);
`
