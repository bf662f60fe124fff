package pluginhost_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltshaker/eventbus"
	"saltshaker/slippi"
	"saltshaker/typedef"
)

func TestActivateRunsOnInit(t *testing.T) {
	h := newHarness(t, 0)
	ready := h.record(t, "ready")

	code := `
module.exports = {
  onInit(api) {
    api.log("starting", plugin.name);
    api.sendEvent("ready", { id: plugin.id, name: plugin.name, sameApi: api === globalThis.api });
  }
};`
	require.NoError(t, h.manager.LoadAndRunPlugin(context.Background(), "hello", code))

	ev := next(t, ready)
	assert.Equal(t, "hello", ev.Source)
	assert.Equal(t, map[string]any{"id": "hello", "name": "hello", "sameApi": true}, payload(t, ev))
	_, ok := h.host.Active("hello")
	assert.True(t, ok)
	assert.Equal(t, []string{"hello"}, h.host.ActiveIDs())
}

func TestCommonJSExportsObject(t *testing.T) {
	h := newHarness(t, 0)
	ready := h.record(t, "ready")

	code := `exports.onInit = function (api) { api.sendEvent("ready", { ok: "yes" }); };`
	require.NoError(t, h.host.Activate(context.Background(), "cjs", code, nil))
	assert.Equal(t, "yes", payload(t, next(t, ready))["ok"])
}

func TestSandboxHasNoAmbientAuthority(t *testing.T) {
	h := newHarness(t, 0)
	seen := h.record(t, "globals")

	code := `
module.exports = {
  onInit(api) {
    api.sendEvent("globals", {
      require: typeof require,
      process: typeof process,
      fetch: typeof fetch,
      setTimeout: typeof setTimeout,
      console: typeof console,
    });
  }
};`
	require.NoError(t, h.host.Activate(context.Background(), "curious", code, nil))
	assert.Equal(t, map[string]any{
		"require":    "undefined",
		"process":    "undefined",
		"fetch":      "undefined",
		"setTimeout": "function",
		"console":    "object",
	}, payload(t, next(t, seen)))
}

func TestActivateFailuresLeavePluginInactive(t *testing.T) {
	cases := []struct {
		name string
		code string
		kind typedef.ErrorKind
	}{
		{"syntax error", `module.exports = {`, typedef.KindSandboxLoadError},
		{"throws at load", `throw new Error("boom")`, typedef.KindSandboxLoadError},
		{"no onInit", `module.exports = { onDispose() {} }`, typedef.KindSandboxLoadError},
		{"exports nulled", `module.exports = null`, typedef.KindSandboxLoadError},
		{"onInit throws", `module.exports = { onInit() { throw new TypeError("bad init") } }`, typedef.KindSandboxRuntimeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0)
			err := h.host.Activate(context.Background(), "broken", tc.code, nil)
			require.Error(t, err)
			assert.Equal(t, tc.kind, typedef.KindOf(err))
			_, ok := h.host.Active("broken")
			assert.False(t, ok)
			assert.Empty(t, h.host.ActiveIDs())
		})
	}
}

func TestActivateRequiresID(t *testing.T) {
	h := newHarness(t, 0)
	err := h.host.Activate(context.Background(), "", `module.exports = { onInit() {} }`, nil)
	assert.True(t, errors.Is(err, typedef.ErrInvalidArgument))
}

func TestRunawayOnInitTimesOut(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	err := h.host.Activate(context.Background(), "spin", `module.exports = { onInit() { for (;;) {} } }`, nil)
	require.Error(t, err)
	assert.Equal(t, typedef.KindSandboxRuntimeError, typedef.KindOf(err))
	_, ok := h.host.Active("spin")
	assert.False(t, ok)
}

func TestOtherPluginsSurviveAFailure(t *testing.T) {
	h := newHarness(t, 0)
	pong := h.record(t, "pong")

	require.NoError(t, h.host.Activate(context.Background(), "good", `
module.exports = { onInit(api) { api.on("ping", () => api.sendEvent("pong", { from: "good" })) } };`, nil))
	require.Error(t, h.host.Activate(context.Background(), "bad", `module.exports = { onInit() { null.x } }`, nil))

	h.bus.Publish(eventbus.Event{Kind: "ping", Source: "test"})
	assert.Equal(t, "good", payload(t, next(t, pong))["from"])
}

func TestReactivationDisposesPreviousInstance(t *testing.T) {
	h := newHarness(t, 0)
	events := h.record(t, "ready", "disposed")

	version := func(v string) string {
		return `
module.exports = {
  onInit(api) { this.api = api; api.sendEvent("ready", { version: "` + v + `" }) },
  onDispose() { this.api.sendEvent("disposed", { version: "` + v + `" }) }
};`
	}
	ctx := context.Background()
	require.NoError(t, h.host.Activate(ctx, "swap", version("1"), nil))
	assert.Equal(t, "ready", string(next(t, events).Kind))

	require.NoError(t, h.host.Activate(ctx, "swap", version("2"), nil))

	disposed := next(t, events)
	assert.Equal(t, eventbus.Kind("disposed"), disposed.Kind)
	assert.Equal(t, "1", payload(t, disposed)["version"])

	ready := next(t, events)
	assert.Equal(t, eventbus.Kind("ready"), ready.Kind)
	assert.Equal(t, "2", payload(t, ready)["version"])

	assert.Equal(t, []string{"swap"}, h.host.ActiveIDs())
}

func TestDeactivateAwaitsAsyncDispose(t *testing.T) {
	h := newHarness(t, 0)
	disposed := h.record(t, "disposed")

	code := `
let api;
module.exports = {
  onInit(a) { api = a },
  onDispose() {
    return new Promise(resolve => setTimeout(() => { api.sendEvent("disposed", { late: "yes" }); resolve() }, 20));
  }
};`
	ctx := context.Background()
	require.NoError(t, h.host.Activate(ctx, "slow", code, nil))
	assert.True(t, h.host.Deactivate(ctx, "slow"))

	select {
	case ev := <-disposed:
		assert.Equal(t, "yes", payload(t, ev)["late"])
	default:
		t.Fatal("Deactivate returned before onDispose settled")
	}
	assert.False(t, h.host.Deactivate(ctx, "slow"))
}

func TestDisposeFailureStillRemovesInstance(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.host.Activate(ctx, "grumpy", `
module.exports = { onInit() {}, onDispose() { throw new Error("nope") } };`, nil))

	assert.True(t, h.host.Deactivate(ctx, "grumpy"))
	_, ok := h.host.Active("grumpy")
	assert.False(t, ok)
}

func TestHandlersAreDroppedOnDeactivate(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.host.Activate(ctx, "listener", `
module.exports = { onInit(api) { api.on("ping", () => {}) } };`, nil))
	require.True(t, h.bus.HasSubscribers("ping"))

	h.host.Deactivate(ctx, "listener")
	assert.False(t, h.bus.HasSubscribers("ping"))
}

func TestOnReturnsUnsubscribe(t *testing.T) {
	h := newHarness(t, 0)
	pong := h.record(t, "pong")

	require.NoError(t, h.host.Activate(context.Background(), "toggle", `
module.exports = {
  onInit(api) {
    const off = api.on("ping", p => api.sendEvent("pong", p));
    api.on("stop", () => off());
  }
};`, nil))

	h.bus.Publish(eventbus.Event{Kind: "ping", Payload: map[string]any{"n": "1"}})
	assert.Equal(t, "1", payload(t, next(t, pong))["n"])

	h.bus.Publish(eventbus.Event{Kind: "stop"})
	h.sync(t, "toggle")
	h.bus.Publish(eventbus.Event{Kind: "ping", Payload: map[string]any{"n": "2"}})
	h.sync(t, "toggle")
	none(t, pong)
}

func TestSendEventRefusesTelemetryNames(t *testing.T) {
	h := newHarness(t, 0)
	refused := h.record(t, "refused")
	forged := h.record(t, eventbus.GameStart)

	require.NoError(t, h.host.Activate(context.Background(), "forger", `
module.exports = {
  onInit(api) {
    try {
      api.sendEvent("dolphin:GameStart", { fake: true });
    } catch (e) {
      api.sendEvent("refused", { kind: e.kind, name: e.name });
    }
  }
};`, nil))

	assert.Equal(t, map[string]any{"kind": "InvalidArgument", "name": "InvalidArgument"}, payload(t, next(t, refused)))
	none(t, forged)
}

func TestTelemetryRoutedPerSubscriber(t *testing.T) {
	h := newHarness(t, 0)
	ready := h.record(t, "subscribed")
	seen := h.record(t, "seen")

	plugin := func(event string) string {
		return `
module.exports = {
  onInit(api) {
    for (const name of ["GameStart", "GameEnd"]) {
      api.on("dolphin:" + name, () => api.sendEvent("seen", { plugin: plugin.id, event: name }));
    }
    return api.host.dolphin.subscribe({ events: ["` + event + `"] })
      .then(() => api.sendEvent("subscribed", { plugin: plugin.id }));
  }
};`
	}
	ctx := context.Background()
	require.NoError(t, h.host.Activate(ctx, "a", plugin("GameStart"), nil))
	require.NoError(t, h.host.Activate(ctx, "b", plugin("GameEnd"), nil))
	next(t, ready)
	next(t, ready)

	connects, _ := h.conn.counts()
	assert.Equal(t, 2, connects)
	assert.True(t, h.subs.Wants("a", "GameStart"))
	assert.True(t, h.subs.Wants("b", "GameEnd"))

	h.bus.Publish(eventbus.Event{Kind: eventbus.GameStart, Source: "telemetry"})
	h.bus.Publish(eventbus.Event{Kind: eventbus.GameEnd, Source: "telemetry"})

	got := map[string]string{}
	for range 2 {
		p := payload(t, next(t, seen))
		got[p["plugin"].(string)] = p["event"].(string)
	}
	assert.Equal(t, map[string]string{"a": "GameStart", "b": "GameEnd"}, got)

	h.sync(t, "a")
	h.sync(t, "b")
	none(t, seen)
}

func TestDeactivateReleasesTelemetry(t *testing.T) {
	h := newHarness(t, 0)
	ready := h.record(t, "subscribed")
	ctx := context.Background()

	require.NoError(t, h.host.Activate(ctx, "watcher", `
module.exports = {
  onInit(api) {
    api.host.dolphin.subscribe({ events: ["GameStart", "GameEnd"] }).then(() => api.sendEvent("subscribed", {}));
  }
};`, nil))
	next(t, ready)
	require.True(t, h.subs.Desired())

	h.host.Deactivate(ctx, "watcher")
	assert.False(t, h.subs.Desired())
	assert.Empty(t, h.subs.Events("watcher"))
	_, disconnects := h.conn.counts()
	assert.Equal(t, 1, disconnects)
}

func TestDolphinUnsubscribe(t *testing.T) {
	h := newHarness(t, 0)
	done := h.record(t, "done")

	require.NoError(t, h.host.Activate(context.Background(), "fickle", `
module.exports = {
  async onInit(api) {
    await api.host.dolphin.subscribe({ events: ["GameStart", "GameEnd"] });
    await api.host.dolphin.unsubscribe({ events: ["GameStart"] });
    api.sendEvent("done", { step: "partial" });
    await api.host.dolphin.unsubscribe();
    api.sendEvent("done", { step: "all" });
  }
};`, nil))

	assert.Equal(t, "partial", payload(t, next(t, done))["step"])
	assert.Equal(t, "all", payload(t, next(t, done))["step"])
	assert.False(t, h.subs.Desired())
	_, disconnects := h.conn.counts()
	assert.Equal(t, 1, disconnects)
}

func TestBridgeArgumentErrorsReject(t *testing.T) {
	h := newHarness(t, 0)
	failed := h.record(t, "failed")

	require.NoError(t, h.host.Activate(context.Background(), "sloppy", `
module.exports = {
  onInit(api) {
    const report = what => e => api.sendEvent("failed", { what, kind: e.kind });
    api.host.dolphin.subscribe({ events: "GameStart" }).catch(report("subscribe"));
    api.host.file.readText(42).catch(report("readText"));
    api.host.invoke("shell.exec", {}).catch(report("invoke"));
  }
};`, nil))

	got := map[string]string{}
	for range 3 {
		p := payload(t, next(t, failed))
		got[p["what"].(string)] = p["kind"].(string)
	}
	assert.Equal(t, map[string]string{
		"subscribe": "InvalidArgument",
		"readText":  "InvalidArgument",
		"invoke":    "InvalidArgument",
	}, got)
	assert.False(t, h.subs.Desired())
}

func TestInvokeDispatchesBridgeCalls(t *testing.T) {
	h := newHarness(t, 0)
	done := h.record(t, "done")

	require.NoError(t, h.host.Activate(context.Background(), "legacy", `
module.exports = {
  onInit(api) {
    api.host.invoke("dolphin.subscribe", { events: ["GameEnd"] })
      .then(r => api.sendEvent("done", { ok: r.ok }));
  }
};`, nil))

	assert.Equal(t, true, payload(t, next(t, done))["ok"])
	assert.True(t, h.subs.Wants("legacy", "GameEnd"))
}

func TestFileBridgeFromSandbox(t *testing.T) {
	h := newHarness(t, 0)
	results := h.record(t, "loaded", "denied")
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(h.home, "settings.json"), []byte(`{
  // launcher settings
  "theme": "dark",
}`), 0o644))
	req := typedef.InstallRequest{
		ID:          "reader",
		Permissions: []string{typedef.PermFileRead},
		Resources: []typedef.Resource{
			{ID: "settings", Type: typedef.ResourceTypeJSON, Path: "{home}/settings.json"},
		},
	}
	require.NoError(t, h.registry.Put(ctx, typedef.PluginMetadata{ID: "reader", Name: "reader"}, req.Context()))

	require.NoError(t, h.host.Activate(ctx, "reader", `
module.exports = {
  async onInit(api) {
    const settings = await api.host.file.readJson("settings");
    const raw = await api.host.file.readText({ resourceId: "settings" });
    api.sendEvent("loaded", { theme: settings.theme, hasComment: raw.includes("launcher") });
    try {
      await api.host.file.readText("passwd");
    } catch (e) {
      api.sendEvent("denied", { kind: e.kind });
    }
  }
};`, nil))

	loaded := next(t, results)
	assert.Equal(t, eventbus.Kind("loaded"), loaded.Kind)
	assert.Equal(t, map[string]any{"theme": "dark", "hasComment": true}, payload(t, loaded))

	denied := next(t, results)
	assert.Equal(t, "UnknownResource", payload(t, denied)["kind"])
}

func TestPayloadsAreCopiedPerPlugin(t *testing.T) {
	h := newHarness(t, 0)
	seen := h.record(t, "seen")
	ctx := context.Background()

	require.NoError(t, h.host.Activate(ctx, "mutator", `
module.exports = { onInit(api) { api.on("shared", p => { p.value = "changed" }) } };`, nil))
	require.NoError(t, h.host.Activate(ctx, "reader", `
module.exports = { onInit(api) { api.on("shared", p => api.sendEvent("seen", { value: p.value })) } };`, nil))

	original := map[string]any{"value": "original"}
	h.bus.Publish(eventbus.Event{Kind: "shared", Payload: original})

	assert.Equal(t, "original", payload(t, next(t, seen))["value"])
	h.sync(t, "mutator")
	assert.Equal(t, "original", original["value"])
}

func TestGameSettingsAreDetachedFromPlugins(t *testing.T) {
	h := newHarness(t, 0)
	mutated := h.record(t, "mutated")
	stage := h.record(t, "stage")
	ctx := context.Background()

	require.NoError(t, h.host.Activate(ctx, "mutator", `
module.exports = {
  onInit(api) {
    api.on("dolphin:GameStart", s => { s.stageId = 999; api.sendEvent("mutated", { stageId: s.stageId }) });
  }
};`, nil))
	require.NoError(t, h.host.Activate(ctx, "reader", `
module.exports = {
  onInit(api) {
    api.on("dolphin:GameStart", s => api.sendEvent("stage", { stageId: s.stageId }));
  }
};`, nil))
	h.subs.Subscribe("mutator", []string{"GameStart"})
	h.subs.Subscribe("reader", []string{"GameStart"})

	settings := &slippi.GameSettings{StageID: 31}
	h.bus.Publish(eventbus.Event{Kind: eventbus.GameStart, Payload: settings, Source: "telemetry"})

	assert.EqualValues(t, 999, payload(t, next(t, mutated))["stageId"])
	assert.EqualValues(t, 31, payload(t, next(t, stage))["stageId"])
	h.sync(t, "mutator")
	h.sync(t, "reader")
	assert.Equal(t, uint16(31), settings.StageID)
}

func TestSendEventRequiresPlainData(t *testing.T) {
	h := newHarness(t, 0)
	refused := h.record(t, "refused")
	leaked := h.record(t, "leak")

	require.NoError(t, h.host.Activate(context.Background(), "leaker", `
module.exports = {
  onInit(api) {
    try {
      api.sendEvent("leak", { fn: () => 1 });
    } catch (e) {
      api.sendEvent("refused", { kind: e.kind });
    }
  }
};`, nil))

	assert.Equal(t, "InvalidArgument", payload(t, next(t, refused))["kind"])
	h.sync(t, "leaker")
	none(t, leaked)
}

func TestSendEventRefusesHostLifecycleNames(t *testing.T) {
	h := newHarness(t, 0)
	refused := h.record(t, "refused")
	forged := h.record(t, eventbus.PluginsInstalled, eventbus.Connected)

	require.NoError(t, h.host.Activate(context.Background(), "forger", `
module.exports = {
  onInit(api) {
    for (const name of ["`+string(eventbus.PluginsInstalled)+`", "`+string(eventbus.Connected)+`"]) {
      try {
        api.sendEvent(name, {});
      } catch (e) {
        api.sendEvent("refused", { name, kind: e.kind });
      }
    }
  }
};`, nil))

	for range 2 {
		assert.Equal(t, "InvalidArgument", payload(t, next(t, refused))["kind"])
	}
	h.sync(t, "forger")
	none(t, forged)
}

func TestShutdownDisposesEverything(t *testing.T) {
	h := newHarness(t, 0)
	disposed := h.record(t, "disposed")
	ctx := context.Background()

	code := `
let api;
module.exports = { onInit(a) { api = a }, onDispose() { api.sendEvent("disposed", { id: plugin.id }) } };`
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, h.host.Activate(ctx, id, code, nil))
	}

	h.host.Shutdown(ctx)
	assert.Empty(t, h.host.ActiveIDs())

	got := map[string]bool{}
	for range 3 {
		got[payload(t, next(t, disposed))["id"].(string)] = true
	}
	assert.Len(t, got, 3)
}
