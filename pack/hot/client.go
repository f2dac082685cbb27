package hot

import "net/http"

func serveClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(`Content-Type`, `text/javascript; charset=utf-8`)
	w.Header().Set(`Cache-Control`, `no-cache`)
	_, _ = w.Write([]byte(clientScript))
}

// clientScript connects to the hub and applies updates through the module registry.  Updates for modules the page
// never loaded are only defined; a module whose handler refuses the update reloads the page.
const clientScript = `(function () {
  var pack = self.__pack__;
  if (!pack) return;
  var url = (location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '` + SocketPath + `';

  function connect() {
    var ws = new WebSocket(url);
    function send(method, params) { ws.send(JSON.stringify({ method: method, params: params })); }
    function accept() { send('hot.accept', { modules: pack.accepted() }); }

    ws.onopen = accept;
    ws.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      if (!msg.method) return;
      var p = msg.params || {};
      switch (msg.method) {
      case 'hot.update':
        var status = 'defined';
        try {
          (0, eval)(p.code);
          if (pack.loaded(p.module)) status = pack.update(p.module) ? 'applied' : 'reload';
        } catch (err) {
          console.error('pack: update of ' + p.module + ' failed', err);
          status = 'failed';
        }
        send('hot.ack', { epoch: p.epoch, module: p.module, status: status });
        if (status === 'reload' || status === 'failed') location.reload();
        else accept();
        break;
      case 'hot.reload':
        location.reload();
        break;
      }
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  connect();
})();
`
