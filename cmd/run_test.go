// cmd/run_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/veil/internal/browser"
	"github.com/xkilldash9x/veil/internal/config"
	"github.com/xkilldash9x/veil/internal/mocks"
)

const testFrame cdp.FrameID = "frame-1"

// fakeTarget answers the commands a page issues while attaching and evaluating.
func fakeTarget() *mocks.Executor {
	exec := mocks.NewExecutor()
	exec.Handle(page.CommandGetFrameTree, mocks.Returns(page.GetFrameTreeReturns{FrameTree: &page.FrameTree{
		Frame: &cdp.Frame{ID: testFrame, URL: "about:blank"},
	}}))
	exec.Handle(page.CommandCreateIsolatedWorld, mocks.Returns(page.CreateIsolatedWorldReturns{ExecutionContextID: 9}))
	exec.Handle(runtime.CommandEvaluate, func(params, res any) error {
		p := params.(*runtime.EvaluateParams)
		out := res.(*runtime.EvaluateReturns)
		switch p.Expression {
		case "globalThis":
			out.Result = &runtime.RemoteObject{Type: runtime.TypeObject, ObjectID: "-1.4.1"}
		case "document.title":
			out.Result = &runtime.RemoteObject{Type: runtime.TypeString, Value: []byte(`"Example"`)}
		case "NaN":
			out.Result = &runtime.RemoteObject{Type: runtime.TypeNumber, UnserializableValue: "NaN"}
		default:
			out.Result = &runtime.RemoteObject{Type: runtime.TypeUndefined}
		}
		return nil
	})
	return exec
}

// fakeLauncher builds a real page on a fake target. Navigation replays a
// small network trace into the page.
type fakeLauncher struct {
	t         *testing.T
	exec      *mocks.Executor
	cfg       config.Interface
	logger    *zap.Logger
	launchErr error
	navErr    error

	page      *browser.Page
	navigated string
	shutdown  bool
}

func (l *fakeLauncher) factory(cfg config.Interface, logger *zap.Logger) launcher {
	l.cfg, l.logger = cfg, logger
	return l
}

func (l *fakeLauncher) Launch(ctx context.Context) (*browser.Page, navigateFunc, error) {
	if l.launchErr != nil {
		return nil, nil, l.launchErr
	}
	p, err := browser.NewPage(l.exec, l.cfg, l.logger)
	require.NoError(l.t, err)
	require.NoError(l.t, p.Attach(ctx))
	l.page = p

	navigate := func(ctx context.Context, url string) error {
		if l.navErr != nil {
			return l.navErr
		}
		l.navigated = url
		trace := []any{
			&network.EventRequestWillBeSent{
				RequestID: "1", FrameID: testFrame, Type: network.ResourceTypeDocument,
				Request: &network.Request{URL: url, Method: "GET"},
			},
			&network.EventResponseReceived{RequestID: "1", Response: &network.Response{Status: 200, MimeType: "text/html"}},
			&network.EventLoadingFinished{RequestID: "1"},
			&network.EventRequestWillBeSent{
				RequestID: "2", FrameID: testFrame, Type: network.ResourceTypeScript,
				Request: &network.Request{URL: "https://example.test/app.js", Method: "GET"},
			},
			&network.EventLoadingFailed{RequestID: "2", ErrorText: "net::ERR_BLOCKED_BY_CLIENT"},
			&network.EventRequestWillBeSent{
				RequestID: "3", FrameID: testFrame, Type: network.ResourceTypeImage,
				Request: &network.Request{URL: "data:image/png;base64,AAAA", Method: "GET"},
			},
			&network.EventLoadingFinished{RequestID: "3"},
		}
		for _, ev := range trace {
			p.Dispatch(ctx, ev)
		}
		return nil
	}
	return p, navigate, nil
}

func (l *fakeLauncher) Shutdown(ctx context.Context) error {
	l.shutdown = true
	if l.page != nil {
		return l.page.Close(ctx)
	}
	return nil
}

func runTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.PostLoadWait = 10 * time.Millisecond
	cfg.InterceptionCfg.CommandTimeout = time.Second
	return cfg
}

func TestRunRun(t *testing.T) {
	cfg := runTestConfig()
	script := filepath.Join(t.TempDir(), "hello.js")
	require.NoError(t, os.WriteFile(script, []byte("window.hello = 1;"), 0o600))

	l := &fakeLauncher{t: t, exec: fakeTarget()}
	var out bytes.Buffer
	err := runRun(context.Background(), &out, zaptest.NewLogger(t), cfg,
		runOptions{URL: "https://example.test/", Scripts: []string{script}, Eval: "document.title"}, l.factory)
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/", l.navigated)
	assert.True(t, l.shutdown)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, `"Example"`, lines[0])
	assert.Regexp(t, `^STATUS\s+METHOD\s+TYPE\s+URL$`, lines[1])
	assert.Regexp(t, `^200\s+GET\s+Document\s+https://example.test/$`, lines[2])
	assert.Regexp(t, `^failed\s+GET\s+Script\s+https://example.test/app.js$`, lines[3])
	assert.NotContains(t, out.String(), "data:image")
	assert.Contains(t, out.String(), "2 requests")

	scripts := l.page.InitScripts()
	assert.True(t, containsSubstring(scripts, "window.hello = 1;"), "user script is registered")
	assert.True(t, containsSubstring(scripts, "webdriver"), "stealth script is registered")
	assert.True(t, containsSubstring(scripts, "__veil_log"), "log binding is registered")

	assert.Equal(t, 1, l.exec.Count(emulation.CommandSetUserAgentOverride))
	assert.Equal(t, 1, l.exec.Count(emulation.CommandSetTimezoneOverride))
}

func TestRunRun_StealthDisabled(t *testing.T) {
	cfg := runTestConfig()
	cfg.InjectionCfg.Stealth = false

	l := &fakeLauncher{t: t, exec: fakeTarget()}
	var out bytes.Buffer
	require.NoError(t, runRun(context.Background(), &out, zap.NewNop(), cfg,
		runOptions{URL: "https://example.test/", NoIdle: true}, l.factory))

	assert.Zero(t, l.exec.Count(emulation.CommandSetUserAgentOverride))
	assert.False(t, containsSubstring(l.page.InitScripts(), "webdriver"))
}

func TestRunRun_Isolated(t *testing.T) {
	l := &fakeLauncher{t: t, exec: fakeTarget()}
	var out bytes.Buffer
	require.NoError(t, runRun(context.Background(), &out, zap.NewNop(), runTestConfig(),
		runOptions{URL: "https://example.test/", Eval: "NaN", Isolated: true, NoIdle: true}, l.factory))

	assert.True(t, strings.HasPrefix(out.String(), "NaN\n"))
	var inUtility bool
	for _, c := range l.exec.CallsTo(runtime.CommandEvaluate) {
		p := c.Params.(*runtime.EvaluateParams)
		if p.Expression == "NaN" {
			inUtility = p.ContextID == 9
		}
	}
	assert.True(t, inUtility, "--isolated evaluates in the utility world")
}

func TestRunRun_ConfigInterface(t *testing.T) {
	script := filepath.Join(t.TempDir(), "extra.js")
	require.NoError(t, os.WriteFile(script, []byte("window.extra = true;"), 0o600))

	defaults := runTestConfig()
	inj := defaults.Injection()
	inj.Stealth = false
	inj.InitScriptFiles = []string{script}

	m := new(mocks.MockConfig)
	m.On("AddInjectionInitScriptFile", script).Once()
	m.On("Injection").Return(inj)
	m.On("Browser").Return(config.BrowserConfig{})
	m.On("Interception").Return(defaults.Interception())
	m.On("Logger").Return(defaults.Logger()).Maybe()

	l := &fakeLauncher{t: t, exec: fakeTarget()}
	require.NoError(t, runRun(context.Background(), &bytes.Buffer{}, zap.NewNop(), m,
		runOptions{URL: "https://example.test/", Scripts: []string{script}}, l.factory))

	m.AssertExpectations(t)
	assert.Same(t, m, l.cfg, "the launcher receives the caller's configuration")
	assert.True(t, containsSubstring(l.page.InitScripts(), "window.extra = true;"))
}

func TestRunRun_Errors(t *testing.T) {
	t.Run("MissingScript", func(t *testing.T) {
		l := &fakeLauncher{t: t, exec: fakeTarget()}
		err := runRun(context.Background(), &bytes.Buffer{}, zap.NewNop(), runTestConfig(),
			runOptions{URL: "https://example.test/", Scripts: []string{filepath.Join(t.TempDir(), "missing.js")}}, l.factory)
		assert.Error(t, err)
		assert.Nil(t, l.page, "nothing is launched when scripts cannot be read")
	})

	t.Run("LaunchFailure", func(t *testing.T) {
		l := &fakeLauncher{t: t, exec: fakeTarget(), launchErr: errors.New("no chrome")}
		err := runRun(context.Background(), &bytes.Buffer{}, zap.NewNop(), runTestConfig(),
			runOptions{URL: "https://example.test/"}, l.factory)
		assert.ErrorContains(t, err, "no chrome")
		assert.True(t, l.shutdown)
	})

	t.Run("NavigationFailure", func(t *testing.T) {
		l := &fakeLauncher{t: t, exec: fakeTarget(), navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
		err := runRun(context.Background(), &bytes.Buffer{}, zap.NewNop(), runTestConfig(),
			runOptions{URL: "https://nowhere.test/"}, l.factory)
		assert.ErrorContains(t, err, "navigation to https://nowhere.test/ failed")
		assert.True(t, l.shutdown)
	})
}

func TestPageLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fn := pageLog(zap.New(core))

	res, err := fn(context.Background(), browser.BindingCall{
		Name:    "__veil_log",
		FrameID: testFrame,
		Args:    []jsoniter.RawMessage{jsoniter.RawMessage(`"hello"`), jsoniter.RawMessage(`42`)},
	})
	require.NoError(t, err)
	assert.Nil(t, res)

	entries := logs.FilterLoggerName("page_log").All()
	require.Len(t, entries, 1)
	assert.Equal(t, `"hello" 42`, entries[0].Message)
	assert.Equal(t, string(testFrame), entries[0].ContextMap()["frame_id"])
}

func TestFormatRemoteObject(t *testing.T) {
	tests := []struct {
		obj  *runtime.RemoteObject
		want string
	}{
		{nil, "undefined"},
		{&runtime.RemoteObject{Type: runtime.TypeNumber, Value: []byte("1")}, "1"},
		{&runtime.RemoteObject{Type: runtime.TypeNumber, UnserializableValue: "-Infinity"}, "-Infinity"},
		{&runtime.RemoteObject{Type: runtime.TypeObject, Description: "HTMLDocument"}, "HTMLDocument"},
		{&runtime.RemoteObject{Type: runtime.TypeUndefined}, "undefined"},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tt.want, formatRemoteObject(tt.obj))
		})
	}
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
