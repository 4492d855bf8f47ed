package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/vultuk/agentrix/internal/events"
	"github.com/vultuk/agentrix/internal/launch"
	"github.com/vultuk/agentrix/internal/session"
	"github.com/vultuk/agentrix/internal/task"
	"github.com/vultuk/agentrix/internal/tunnel"
)

type fakeLauncher struct {
	req    launch.Request
	result *launch.Result
	err    error
}

func (f *fakeLauncher) Launch(req launch.Request) (*launch.Result, error) {
	f.req = req
	return f.result, f.err
}

type fakeTasks struct {
	tasks []task.Task
}

func (f *fakeTasks) List() []task.Task { return f.tasks }

type fakeTunnels struct {
	opened []int
	closed []int
	err    error
}

func (f *fakeTunnels) Open(_ context.Context, port int) (tunnel.Info, error) {
	if f.err != nil {
		return tunnel.Info{}, f.err
	}
	f.opened = append(f.opened, port)
	return tunnel.Info{Port: port, URL: "https://example.ngrok.app"}, nil
}

func (f *fakeTunnels) Close(port int) error {
	f.closed = append(f.closed, port)
	return nil
}

func (f *fakeTunnels) List() []tunnel.Info { return nil }

func sendCommand(t *testing.T, c *websocket.Conn, cmd map[string]any) {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}
}

// readResult skips event frames until a result arrives; bus broadcasts
// interleave freely with command answers.
func readResult(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readText(t, c)
		if frame["type"] == "result" {
			return frame
		}
	}
	t.Fatal("no result frame observed")
	return nil
}

func TestControlSendsInitialStateAndBusEvents(t *testing.T) {
	engine := newFakeEngine()
	engine.summaries = []session.WorktreeSummary{{Org: "acme", Repo: "widget", Branch: "main"}}
	bus := events.NewBus()
	srv := startServer(t, Options{Engine: engine, Bus: bus, Tasks: &fakeTasks{}})

	client := dial(t, srv.URL()+"/ws/control")

	frame := readText(t, client)
	if frame["type"] != "event" || frame["topic"] != events.TopicSessions {
		t.Fatalf("first frame = %v", frame)
	}
	frame = readText(t, client)
	if frame["topic"] != events.TopicTasks {
		t.Fatalf("second frame = %v", frame)
	}

	// The subscription is live once the initial frames are out.
	bus.Emit(events.TopicTasks, []string{"t1"})
	frame = readText(t, client)
	if frame["type"] != "event" || frame["topic"] != events.TopicTasks {
		t.Errorf("bus frame = %v", frame)
	}
}

func TestControlDispatchesCommands(t *testing.T) {
	engine := newFakeEngine()
	launcher := &fakeLauncher{result: &launch.Result{SessionID: "auto-1", CreatedSession: true}}
	tunnels := &fakeTunnels{}
	srv := startServer(t, Options{
		Engine:   engine,
		Bus:      events.NewBus(),
		Launcher: launcher,
		Tunnels:  tunnels,
		ListPorts: func(context.Context) ([]int, error) {
			return []int{80, 8080}, nil
		},
	})

	client := dial(t, srv.URL()+"/ws/control")
	readText(t, client) // initial sessions event

	sendCommand(t, client, map[string]any{"action": "list_ports", "reqId": "r1"})
	res := readResult(t, client)
	if res["ok"] != true || res["reqId"] != "r1" {
		t.Fatalf("list_ports result = %v", res)
	}
	ports := res["payload"].([]any)
	if len(ports) != 2 || ports[0].(float64) != 80 {
		t.Errorf("ports = %v", ports)
	}

	sendCommand(t, client, map[string]any{
		"action": "launch_agent", "command": "agent --run", "workdir": "/w",
		"org": "acme", "repo": "demo", "branch": "feature", "prompt": "Generate diff",
	})
	res = readResult(t, client)
	if res["ok"] != true {
		t.Fatalf("launch result = %v", res)
	}
	if launcher.req.Command != "agent --run" || launcher.req.Prompt != "Generate diff" || launcher.req.Workdir != "/w" {
		t.Errorf("launch request = %+v", launcher.req)
	}

	sendCommand(t, client, map[string]any{"action": "open_tunnel", "port": 3000})
	res = readResult(t, client)
	if res["ok"] != true {
		t.Fatalf("open_tunnel result = %v", res)
	}
	if len(tunnels.opened) != 1 || tunnels.opened[0] != 3000 {
		t.Errorf("opened = %v", tunnels.opened)
	}

	sendCommand(t, client, map[string]any{"action": "dispose_session", "id": "sess-1"})
	res = readResult(t, client)
	if res["ok"] != true {
		t.Fatalf("dispose result = %v", res)
	}
	engine.mu.Lock()
	disposed := append([]string(nil), engine.disposed...)
	engine.mu.Unlock()
	if len(disposed) != 1 || disposed[0] != "sess-1" {
		t.Errorf("disposed = %v", disposed)
	}
}

func TestControlRejectsUnknownAndUnavailable(t *testing.T) {
	engine := newFakeEngine()
	srv := startServer(t, Options{Engine: engine, Bus: events.NewBus()})

	client := dial(t, srv.URL()+"/ws/control")
	readText(t, client) // initial sessions event

	sendCommand(t, client, map[string]any{"action": "does_not_exist"})
	res := readResult(t, client)
	if res["ok"] != false {
		t.Errorf("unknown action result = %v", res)
	}

	sendCommand(t, client, map[string]any{"action": "open_tunnel", "port": 3000})
	res = readResult(t, client)
	if res["ok"] != false {
		t.Errorf("unavailable tunnel result = %v", res)
	}
}

func TestControlSurfacesCollaboratorErrors(t *testing.T) {
	engine := newFakeEngine()
	launcher := &fakeLauncher{err: errors.New("command, workdir, org, repo and branch must be non-empty")}
	srv := startServer(t, Options{Engine: engine, Bus: events.NewBus(), Launcher: launcher})

	client := dial(t, srv.URL()+"/ws/control")
	readText(t, client)

	sendCommand(t, client, map[string]any{"action": "launch_agent"})
	res := readResult(t, client)
	if res["ok"] != false || res["error"] == "" {
		t.Errorf("result = %v", res)
	}
}
