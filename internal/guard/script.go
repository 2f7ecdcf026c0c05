package guard

// guardTemplate is executed once per profile. .Config is a JSON object; the
// json encoder escapes <, > and & so the literal cannot close the script element.
const guardTemplate = `<script data-mirrorshield="guard">
(function(){
  var cfg = {{.Config}};
  function esc(s){ return s.replace(/[.*+?^${}()|[\]\\]/g, '\\$&'); }
  function anyOf(list, bounded){
    if (!list || !list.length) return null;
    var body = list.map(esc).join('|');
    return new RegExp(bounded ? '(^|[^a-z0-9])(' + body + ')' : '(' + body + ')', 'i');
  }
  function test(re, s){ return !!(re && s && re.test(s)); }
  var adRe = anyOf(cfg.adKeywords, true);
  var dangerRe = anyOf(cfg.dangerousPatterns, false);
  var allowRe = anyOf(cfg.analyticsAllowlist, false);
  var playerSel = cfg.playerSelectors.join(',');
  var player = null;

  try {
    window.open = function(){ return null; };
    window.onbeforeunload = null;
    window.onunload = null;
    var addListener = window.addEventListener;
    window.addEventListener = function(type){
      if (type === 'beforeunload' || type === 'unload') return;
      return addListener.apply(this, arguments);
    };
  } catch (e) {}

  try {
    Document.prototype.write = function(){};
    Document.prototype.writeln = function(){};
  } catch (e) {}

  function blockedScript(node){
    if (!node || node.nodeType !== 1 || node.tagName !== 'SCRIPT') return false;
    var s = (node.src || '') + ' ' + (node.textContent || '');
    return test(dangerRe, s) && !test(allowRe, s);
  }
  try {
    var append = Node.prototype.appendChild;
    var insert = Node.prototype.insertBefore;
    Node.prototype.appendChild = function(node){
      if (blockedScript(node)) return node;
      return append.call(this, node);
    };
    Node.prototype.insertBefore = function(node, ref){
      if (blockedScript(node)) return node;
      return insert.call(this, node, ref);
    };
  } catch (e) {}

  function isPlayer(el){
    if (player && (el === player || el.contains(player))) return true;
    try { return el.matches(playerSel) || !!el.querySelector(playerSel); } catch (e) { return false; }
  }
  function isOverlay(el){
    if (el === document.body || el === document.documentElement) return false;
    if (player && el === player) return false;
    var ident = (typeof el.className === 'string' ? el.className : '') + ' ' + (el.id || '');
    if (test(adRe, ident)) return true;
    if (isPlayer(el)) return false;
    return el.offsetWidth >= window.innerWidth * cfg.overlayCoverage &&
      el.offsetHeight >= window.innerHeight * cfg.overlayCoverage;
  }
  function sweep(){
    try {
      document.querySelectorAll('iframe,div').forEach(function(el){
        if (isOverlay(el)) el.remove();
      });
    } catch (e) {}
  }
  new MutationObserver(sweep).observe(document.documentElement, { childList: true, subtree: true });
  document.addEventListener('DOMContentLoaded', sweep);

  window.addEventListener('load', function(){
    sweep();
    try {
      for (var i = 0; i < cfg.playerSelectors.length && !player; i++) {
        player = document.querySelector(cfg.playerSelectors[i]);
      }
      if (!player) return;
      Object.assign(player.style, {
        position: 'fixed', top: '0', left: '0',
        width: '100vw', height: '100vh', zIndex: '2147483647'
      });
      document.documentElement.style.overflow = 'hidden';
      if (document.body) document.body.style.overflow = 'hidden';
    } catch (e) {}
  });
})();
</script>
<style data-mirrorshield="guard">
html,body{margin:0;padding:0;height:100vh;background:#000;overflow:hidden}
{{.PlayerSelectors}}{width:100% !important;height:100% !important;display:block !important;border:0 !important}
</style>`
