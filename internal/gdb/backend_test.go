package gdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	dapsrv "github.com/dapgdb/dapgdb/internal/dap"
	"github.com/dapgdb/dapgdb/pkg/process"
	"github.com/dapgdb/dapgdb/pkg/testutil"
)

// scriptedProcess plays the part of GDB. Every command gets the result produced by reply
// (class plus results, without the token and the caret), followed by a prompt.
type scriptedProcess struct {
	config     process.Config
	commands   []string
	output     []process.Output
	reply      func(command string) string
	exited     bool
	terminated bool
	cleanedUp  bool
	writeErr   error
}

func (p *scriptedProcess) Pid() int { return 4000 }

func (p *scriptedProcess) Write(data []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}

	line := strings.TrimSuffix(string(data), "\n")
	digits := len(line) - len(strings.TrimLeft(line, "0123456789"))
	token, command := line[:digits], line[digits:]
	p.commands = append(p.commands, command)

	if token == "" {
		return len(data), nil
	}
	result := "done"
	if p.reply != nil {
		result = p.reply(command)
	}
	p.emit(token+"^"+result, "(gdb) ")
	return len(data), nil
}

func (p *scriptedProcess) ReadWait(_ time.Duration) (process.Output, bool) {
	if len(p.output) == 0 {
		return process.Output{}, false
	}
	out := p.output[0]
	p.output = p.output[1:]
	return out, true
}

func (p *scriptedProcess) IsAlive() bool { return !p.exited && !p.terminated }

func (p *scriptedProcess) Terminate() error {
	p.terminated = true
	return nil
}

func (p *scriptedProcess) Cleanup() { p.cleanedUp = true }

// emit queues complete lines of debugger output.
func (p *scriptedProcess) emit(lines ...string) {
	p.output = append(p.output, process.Output{Stdout: strings.Join(lines, "\n") + "\n"})
}

func (p *scriptedProcess) commandsStartingWith(prefix string) []string {
	var matching []string
	for _, c := range p.commands {
		if strings.HasPrefix(c, prefix) {
			matching = append(matching, c)
		}
	}
	return matching
}

func newTestBackend(t *testing.T) (*Backend, *scriptedProcess) {
	p := &scriptedProcess{}
	b := New(Config{
		Env: map[string]string{"LANG": "C", "DEBUGINFOD_URLS": ""},
		StartProcess: func(cfg process.Config) (Process, error) {
			p.config = cfg
			return p, nil
		},
		Log: testutil.NewLogForTesting(t.Name()),
	})
	return b, p
}

func startedBackend(t *testing.T) (*Backend, *scriptedProcess) {
	b, p := newTestBackend(t)
	require.NoError(t, b.StartDebugger("/work/hello", "/work"))
	require.Empty(t, drain(b))
	return b, p
}

func drain(b *Backend) []dap.Message {
	var msgs []dap.Message
	for {
		msg, ok := b.TakeNextMessage()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func request(command string, seq int) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
	}
}

func launchRequest(t *testing.T, args dapsrv.LaunchArguments) *dap.LaunchRequest {
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &dap.LaunchRequest{Request: request("launch", 2), Arguments: raw}
}

// breakpointReplies answers -break-insert with consecutively numbered breakpoints.
func breakpointReplies() func(string) string {
	next := 1
	return func(command string) string {
		if !strings.HasPrefix(command, "-break-insert") {
			return "done"
		}
		fields := strings.Fields(command)
		location := strings.Trim(fields[len(fields)-1], `"`)
		file, lineText, _ := strings.Cut(location, ":")
		line, _ := strconv.Atoi(lineText)
		number := next
		next++
		return fmt.Sprintf(`done,bkpt={number="%d",type="breakpoint",disp="keep",enabled="y",addr="0x%x",func="main",file="%s",fullname="%s",line="%d",times="0"}`,
			number, 0x1100+number, file, file, line)
	}
}

func TestStartDebuggerRunsMachineInterface(t *testing.T) {
	t.Parallel()

	b, p := newTestBackend(t)
	require.NoError(t, b.StartDebugger("/work/hello", "/work"))

	require.Equal(t, DefaultPath, p.config.Path)
	require.Equal(t, []string{"--interpreter=mi2", "--quiet", "/work/hello"}, p.config.Args)
	require.Equal(t, "/work", p.config.Dir)
	require.Equal(t, []string{"DEBUGINFOD_URLS=", "LANG=C"}, p.config.Env)
	require.Equal(t, []string{"-gdb-set mi-async on"}, p.commands)

	require.ErrorIs(t, b.StartDebugger("/work/hello", "/work"), ErrAlreadyStarted)
}

func TestStartDebuggerFailure(t *testing.T) {
	t.Parallel()

	b := New(Config{
		Path: "/no/such/gdb",
		StartProcess: func(process.Config) (Process, error) {
			return nil, errors.New("file not found")
		},
	})
	err := b.StartDebugger("/work/hello", "")
	require.ErrorContains(t, err, "/no/such/gdb")
	require.ErrorContains(t, err, "file not found")

	require.ErrorIs(t, b.OnThreads(&dap.ThreadsRequest{Request: request("threads", 3)}), ErrNotStarted)
}

func TestStoppedAtBreakpoint(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.emit(`*stopped,reason="breakpoint-hit",disp="keep",bkptno="1",frame={addr="0x1149",func="main",args=[],file="hello.c",fullname="/work/hello.c",line="5",arch="i386:x86-64"},thread-id="2",stopped-threads="all",core="0"`)

	msgs := drain(b)
	require.Len(t, msgs, 1)
	stopped, isStopped := msgs[0].(*dap.StoppedEvent)
	require.True(t, isStopped, "expected a stopped event, got %T", msgs[0])
	require.Equal(t, "stopped", stopped.Event.Event)
	require.Equal(t, "breakpoint", stopped.Body.Reason)
	require.Equal(t, 2, stopped.Body.ThreadId)
	require.True(t, stopped.Body.AllThreadsStopped)
	require.Equal(t, []int{1}, stopped.Body.HitBreakpointIds)
}

func TestStopReasons(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		description string
		record      string
		reason      string
		threadID    int
	}{
		{"step", `*stopped,reason="end-stepping-range",thread-id="1"`, "step", 1},
		{"step out", `*stopped,reason="function-finished",thread-id="3"`, "step", 3},
		{"interrupt", `*stopped,reason="signal-received",signal-name="SIGINT",signal-meaning="Interrupt",thread-id="1"`, "pause", 1},
		{"crash", `*stopped,reason="signal-received",signal-name="SIGSEGV",signal-meaning="Segmentation fault",thread-id="1"`, "exception", 1},
		{"watchpoint", `*stopped,reason="watchpoint-trigger",wpt={number="2",exp="x"},thread-id="1"`, "data breakpoint", 1},
		{"no reason", `*stopped,thread-id="4"`, "pause", 4},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			t.Parallel()

			b, p := startedBackend(t)
			p.emit(tc.record)

			msgs := drain(b)
			require.Len(t, msgs, 1)
			stopped := msgs[0].(*dap.StoppedEvent)
			require.Equal(t, tc.reason, stopped.Body.Reason)
			require.Equal(t, tc.threadID, stopped.Body.ThreadId)
		})
	}
}

func TestSignalStopDescribesSignal(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.emit(`*stopped,reason="signal-received",signal-name="SIGSEGV",signal-meaning="Segmentation fault",thread-id="1"`)

	stopped := drain(b)[0].(*dap.StoppedEvent)
	require.Equal(t, "SIGSEGV", stopped.Body.Text)
	require.Contains(t, stopped.Body.Description, "Segmentation fault")
}

func TestLaunchConfiguresDebuggee(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(command string) string {
		if strings.HasPrefix(command, "-break-insert -t main") {
			return `done,bkpt={number="7",type="breakpoint",disp="del",enabled="y",addr="0x1149",func="main",file="hello.c",fullname="/work/hello.c",line="3",times="0"}`
		}
		return "done"
	}

	req := launchRequest(t, dapsrv.LaunchArguments{
		Program:     "/work/hello",
		Args:        []string{"first arg", "second"},
		Env:         map[string]string{"B": "2", "A": "1"},
		StopOnEntry: true,
	})
	require.NoError(t, b.OnLaunchRequest(req))

	require.Equal(t, []string{
		"-gdb-set mi-async on",
		`-exec-arguments "first arg" "second"`,
		"-gdb-set environment A=1",
		"-gdb-set environment B=2",
		"-break-insert -t main",
	}, p.commands)

	msgs := drain(b)
	require.Len(t, msgs, 1)
	resp, isLaunch := msgs[0].(*dap.LaunchResponse)
	require.True(t, isLaunch, "expected a launch response, got %T", msgs[0])
	require.True(t, resp.Success)
	require.Equal(t, 2, resp.RequestSeq)

	// The temporary breakpoint on main is reported as a stop on entry.
	p.emit(`*stopped,reason="breakpoint-hit",disp="del",bkptno="7",thread-id="1"`)
	stopped := drain(b)[0].(*dap.StoppedEvent)
	require.Equal(t, "entry", stopped.Body.Reason)
}

func TestLaunchFailureIsReported(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(string) string { return `error,msg="No executable file specified."` }

	req := launchRequest(t, dapsrv.LaunchArguments{Program: "/work/hello", Args: []string{"x"}})
	require.NoError(t, b.OnLaunchRequest(req))

	msgs := drain(b)
	require.Len(t, msgs, 1)
	resp := msgs[0].(*dap.ErrorResponse)
	require.False(t, resp.Success)
	require.Equal(t, "launch", resp.Command)
	require.Equal(t, "No executable file specified.", resp.Message)
}

func TestSetBreakpointsReplacesPreviousBreakpoints(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = breakpointReplies()

	req := &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 5)}
	req.Arguments.Source = dap.Source{Path: "/work/hello.c"}
	req.Arguments.Breakpoints = []dap.SourceBreakpoint{{Line: 4}, {Line: 9, Condition: "i == 3", HitCondition: "2"}}
	require.NoError(t, b.OnSetBreakpoints(req))

	require.Equal(t, []string{
		`-break-insert "/work/hello.c:4"`,
		`-break-insert -c "i == 3" -i 1 "/work/hello.c:9"`,
	}, p.commandsStartingWith("-break"))

	msgs := drain(b)
	require.Len(t, msgs, 1)
	resp := msgs[0].(*dap.SetBreakpointsResponse)
	require.Equal(t, 5, resp.RequestSeq)
	require.Len(t, resp.Body.Breakpoints, 2)
	require.Equal(t, 1, resp.Body.Breakpoints[0].Id)
	require.True(t, resp.Body.Breakpoints[0].Verified)
	require.Equal(t, 4, resp.Body.Breakpoints[0].Line)
	require.Equal(t, "/work/hello.c", resp.Body.Breakpoints[0].Source.Path)
	require.Equal(t, 2, resp.Body.Breakpoints[1].Id)
	require.Equal(t, 9, resp.Body.Breakpoints[1].Line)

	// Setting breakpoints again replaces the previous ones.
	p.commands = nil
	req = &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 6)}
	req.Arguments.Source = dap.Source{Path: "/work/hello.c"}
	req.Arguments.Breakpoints = []dap.SourceBreakpoint{{Line: 12}}
	require.NoError(t, b.OnSetBreakpoints(req))

	require.Equal(t, []string{"-break-delete 1 2", `-break-insert "/work/hello.c:12"`}, p.commands)
	resp = drain(b)[0].(*dap.SetBreakpointsResponse)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.Equal(t, 3, resp.Body.Breakpoints[0].Id)
}

func TestSetBreakpointsReportsRejectedLocations(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(string) string { return `error,msg="No source file named nosuch.c."` }

	req := &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 5)}
	req.Arguments.Source = dap.Source{Path: "nosuch.c"}
	req.Arguments.Breakpoints = []dap.SourceBreakpoint{{Line: 1}}
	require.NoError(t, b.OnSetBreakpoints(req))

	resp := drain(b)[0].(*dap.SetBreakpointsResponse)
	require.True(t, resp.Success)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.False(t, resp.Body.Breakpoints[0].Verified)
	require.Equal(t, "No source file named nosuch.c.", resp.Body.Breakpoints[0].Message)
	require.Equal(t, 1, resp.Body.Breakpoints[0].Line)

	req = &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 6)}
	require.Error(t, b.OnSetBreakpoints(req))
}

func TestSetBreakpointsOnSeveralLocations(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(command string) string {
		if !strings.HasPrefix(command, "-break-insert") {
			return "done"
		}
		return `done,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="<MULTIPLE>",times="0",original-location="/work/t.cc:3"},` +
			`{number="1.1",enabled="y",addr="0x1129",func="add<int>",file="t.cc",fullname="/work/t.cc",line="3",thread-groups=["i1"]},` +
			`{number="1.2",enabled="y",addr="0x1139",func="add<long>",file="t.cc",fullname="/work/t.cc",line="3",thread-groups=["i1"]}`
	}

	req := &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 5)}
	req.Arguments.Source = dap.Source{Path: "/work/t.cc"}
	req.Arguments.Breakpoints = []dap.SourceBreakpoint{{Line: 3}}
	require.NoError(t, b.OnSetBreakpoints(req))

	msgs := drain(b)
	require.Len(t, msgs, 1)
	resp, isSetBreakpoints := msgs[0].(*dap.SetBreakpointsResponse)
	require.True(t, isSetBreakpoints, "expected a setBreakpoints response, got %T", msgs[0])
	require.Equal(t, 5, resp.RequestSeq)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.Equal(t, 1, resp.Body.Breakpoints[0].Id)
	require.True(t, resp.Body.Breakpoints[0].Verified)
	require.Equal(t, 3, resp.Body.Breakpoints[0].Line)

	stdout, _ := b.Read()
	require.Empty(t, stdout)
}

func TestUnreadableReplyFailsRequest(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(string) string { return `done,bkpt={number="1"` }

	req := &dap.ContinueRequest{Request: request("continue", 9)}
	req.Arguments.ThreadId = 1
	require.NoError(t, b.OnContinue(req))

	msgs := drain(b)
	require.Len(t, msgs, 1)
	resp, isError := msgs[0].(*dap.ErrorResponse)
	require.True(t, isError, "expected an error response, got %T", msgs[0])
	require.Equal(t, "continue", resp.Command)
	require.Equal(t, 9, resp.RequestSeq)
	require.Contains(t, resp.Message, "unreadable debugger reply")

	stdout, _ := b.Read()
	require.Empty(t, stdout)

	// Output that merely looks like a reply to an unknown command is still program output.
	p.emit(`77^done,oops`)
	require.Empty(t, drain(b))
	stdout, _ = b.Read()
	require.Equal(t, "77^done,oops\n", stdout)
}

func TestSetFunctionBreakpoints(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = breakpointReplies()

	req := &dap.SetFunctionBreakpointsRequest{Request: request("setFunctionBreakpoints", 3)}
	req.Arguments.Breakpoints = []dap.FunctionBreakpoint{{Name: "compute"}}
	require.NoError(t, b.OnSetFunctionBreakpoints(req))
	require.Equal(t, []string{`-break-insert "compute"`}, p.commandsStartingWith("-break"))

	resp := drain(b)[0].(*dap.SetFunctionBreakpointsResponse)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.Equal(t, 1, resp.Body.Breakpoints[0].Id)

	p.commands = nil
	req.Arguments.Breakpoints = nil
	require.NoError(t, b.OnSetFunctionBreakpoints(req))
	require.Equal(t, []string{"-break-delete 1"}, p.commands)
	resp = drain(b)[0].(*dap.SetFunctionBreakpointsResponse)
	require.Empty(t, resp.Body.Breakpoints)
}

func TestConfigurationBeforeLaunchIsDeferred(t *testing.T) {
	t.Parallel()

	b, p := newTestBackend(t)

	bpReq := &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 3)}
	bpReq.Arguments.Source = dap.Source{Path: "/work/hello.c"}
	bpReq.Arguments.Breakpoints = []dap.SourceBreakpoint{{Line: 4}}
	require.NoError(t, b.OnSetBreakpoints(bpReq))
	require.NoError(t, b.OnConfigurationDoneRequest(&dap.ConfigurationDoneRequest{Request: request("configurationDone", 4)}))
	require.Empty(t, drain(b))

	require.NoError(t, b.StartDebugger("/work/hello", ""))
	p.reply = breakpointReplies()
	require.NoError(t, b.OnLaunchRequest(launchRequest(t, dapsrv.LaunchArguments{Program: "/work/hello"})))

	require.Equal(t, []string{"-gdb-set mi-async on", `-break-insert "/work/hello.c:4"`, "-exec-run"}, p.commands)

	msgs := drain(b)
	require.Len(t, msgs, 3)
	require.IsType(t, &dap.LaunchResponse{}, msgs[0])
	require.IsType(t, &dap.SetBreakpointsResponse{}, msgs[1])
	require.IsType(t, &dap.ConfigurationDoneResponse{}, msgs[2])
	require.Equal(t, 4, msgs[2].(*dap.ConfigurationDoneResponse).RequestSeq)
}

func TestDeferredRequestsFailWhenDebuggerDoesNotStart(t *testing.T) {
	t.Parallel()

	b := New(Config{
		StartProcess: func(process.Config) (Process, error) {
			return nil, errors.New("file not found")
		},
		Log: testutil.NewLogForTesting(t.Name()),
	})

	bpReq := &dap.SetBreakpointsRequest{Request: request("setBreakpoints", 3)}
	bpReq.Arguments.Source = dap.Source{Path: "/work/hello.c"}
	bpReq.Arguments.Breakpoints = []dap.SourceBreakpoint{{Line: 4}}
	require.NoError(t, b.OnSetBreakpoints(bpReq))
	require.NoError(t, b.OnConfigurationDoneRequest(&dap.ConfigurationDoneRequest{Request: request("configurationDone", 4)}))
	require.Empty(t, drain(b))

	require.ErrorContains(t, b.StartDebugger("/work/hello", ""), "file not found")

	msgs := drain(b)
	require.Len(t, msgs, 2)
	for i, seq := range []int{3, 4} {
		resp, isError := msgs[i].(*dap.ErrorResponse)
		require.True(t, isError, "expected an error response, got %T", msgs[i])
		require.False(t, resp.Success)
		require.Equal(t, seq, resp.RequestSeq)
		require.Contains(t, resp.Message, "file not found")
	}
	require.Equal(t, "setBreakpoints", msgs[0].(*dap.ErrorResponse).Command)
	require.Equal(t, "configurationDone", msgs[1].(*dap.ErrorResponse).Command)

	// Later requests fail right away instead of waiting for a launch that cannot happen.
	require.ErrorIs(t, b.OnSetBreakpoints(bpReq), ErrNotStarted)
}

func TestErrorResultBecomesFailureResponse(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(string) string { return `error,msg="The program is not being run."` }

	req := &dap.ContinueRequest{Request: request("continue", 9)}
	req.Arguments.ThreadId = 1
	require.NoError(t, b.OnContinue(req))
	require.Equal(t, "-exec-continue", p.commands[len(p.commands)-1])

	msgs := drain(b)
	require.Len(t, msgs, 1)
	resp := msgs[0].(*dap.ErrorResponse)
	require.False(t, resp.Success)
	require.Equal(t, "continue", resp.Command)
	require.Equal(t, 9, resp.RequestSeq)
	require.Equal(t, "The program is not being run.", resp.Message)
}

func TestExecutionControlCommands(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.commands = nil

	cont := &dap.ContinueRequest{Request: request("continue", 2)}
	cont.Arguments.ThreadId = 3
	cont.Arguments.SingleThread = true
	require.NoError(t, b.OnContinue(cont))

	next := &dap.NextRequest{Request: request("next", 3)}
	next.Arguments.ThreadId = 3
	require.NoError(t, b.OnNext(next))

	stepIn := &dap.StepInRequest{Request: request("stepIn", 4)}
	stepIn.Arguments.ThreadId = 3
	require.NoError(t, b.OnStepIn(stepIn))

	stepOut := &dap.StepOutRequest{Request: request("stepOut", 5)}
	stepOut.Arguments.ThreadId = 3
	require.NoError(t, b.OnStepOut(stepOut))

	require.NoError(t, b.OnPause(&dap.PauseRequest{Request: request("pause", 6)}))

	require.Equal(t, []string{
		"-exec-continue --thread 3",
		"-exec-next --thread 3",
		"-exec-step --thread 3",
		"-exec-finish --thread 3",
		"-exec-interrupt",
	}, p.commands)

	msgs := drain(b)
	require.Len(t, msgs, 5)
	require.False(t, msgs[0].(*dap.ContinueResponse).Body.AllThreadsContinued)
	require.IsType(t, &dap.NextResponse{}, msgs[1])
	require.IsType(t, &dap.StepInResponse{}, msgs[2])
	require.IsType(t, &dap.StepOutResponse{}, msgs[3])
	require.IsType(t, &dap.PauseResponse{}, msgs[4])
}

func TestThreads(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(string) string {
		return `done,threads=[{id="1",target-id="process 4001",name="hello",frame={level="0",func="main"},state="stopped"},{id="2",target-id="Thread 0x7ffff7d8a640 (LWP 4002)",state="stopped"},{id="3",state="running"}],current-thread-id="1"`
	}

	require.NoError(t, b.OnThreads(&dap.ThreadsRequest{Request: request("threads", 7)}))
	resp := drain(b)[0].(*dap.ThreadsResponse)
	require.Equal(t, []dap.Thread{
		{Id: 1, Name: "hello"},
		{Id: 2, Name: "Thread 0x7ffff7d8a640 (LWP 4002)"},
		{Id: 3, Name: "Thread 3"},
	}, resp.Body.Threads)
}

func TestStackTraceScopesAndVariables(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(command string) string {
		switch {
		case strings.HasPrefix(command, "-stack-list-frames"):
			return `done,stack=[frame={level="0",addr="0x1149",func="add",file="hello.c",fullname="/work/hello.c",line="5",arch="i386:x86-64"},frame={level="1",addr="0x7ffff7c29d90",func="__libc_start_call_main",from="/lib/libc.so.6"}]`
		case strings.HasPrefix(command, "-stack-list-variables"):
			return `done,variables=[{name="x",arg="1",type="int",value="3"},{name="p",type="struct point"},{name="total",type="long",value="42"}]`
		case strings.HasPrefix(command, "-data-evaluate-expression"):
			return `done,value="45"`
		}
		return "done"
	}

	st := &dap.StackTraceRequest{Request: request("stackTrace", 10)}
	st.Arguments.ThreadId = 2
	require.NoError(t, b.OnStackTrace(st))
	require.Equal(t, "-stack-list-frames --thread 2", p.commands[len(p.commands)-1])

	stResp := drain(b)[0].(*dap.StackTraceResponse)
	require.Len(t, stResp.Body.StackFrames, 2)
	require.Equal(t, 2, stResp.Body.TotalFrames)

	top := stResp.Body.StackFrames[0]
	require.Equal(t, "add", top.Name)
	require.Equal(t, 5, top.Line)
	require.Equal(t, "/work/hello.c", top.Source.Path)
	require.Equal(t, "hello.c", top.Source.Name)
	require.Equal(t, "0x1149", top.InstructionPointerReference)

	outer := stResp.Body.StackFrames[1]
	require.NotEqual(t, top.Id, outer.Id)
	require.Nil(t, outer.Source)
	require.Equal(t, "subtle", outer.PresentationHint)

	sc := &dap.ScopesRequest{Request: request("scopes", 11)}
	sc.Arguments.FrameId = top.Id
	require.NoError(t, b.OnScopes(sc))
	scResp := drain(b)[0].(*dap.ScopesResponse)
	require.Len(t, scResp.Body.Scopes, 1)
	require.Equal(t, "Locals", scResp.Body.Scopes[0].Name)

	vr := &dap.VariablesRequest{Request: request("variables", 12)}
	vr.Arguments.VariablesReference = scResp.Body.Scopes[0].VariablesReference
	require.NoError(t, b.OnVariables(vr))
	require.Equal(t, "-stack-list-variables --thread 2 --frame 0 --simple-values", p.commands[len(p.commands)-1])

	vResp := drain(b)[0].(*dap.VariablesResponse)
	require.Equal(t, []dap.Variable{
		{Name: "x", Value: "3", Type: "int", EvaluateName: "x"},
		{Name: "p", Value: "{...}", Type: "struct point", EvaluateName: "p"},
		{Name: "total", Value: "42", Type: "long", EvaluateName: "total"},
	}, vResp.Body.Variables)

	vr.Arguments.Start = 1
	vr.Arguments.Count = 1
	require.NoError(t, b.OnVariables(vr))
	vResp = drain(b)[0].(*dap.VariablesResponse)
	require.Len(t, vResp.Body.Variables, 1)
	require.Equal(t, "p", vResp.Body.Variables[0].Name)

	ev := &dap.EvaluateRequest{Request: request("evaluate", 13)}
	ev.Arguments.Expression = "x + total"
	ev.Arguments.FrameId = outer.Id
	require.NoError(t, b.OnEvaluate(ev))
	require.Equal(t, `-data-evaluate-expression --thread 2 --frame 1 "x + total"`, p.commands[len(p.commands)-1])
	require.Equal(t, "45", drain(b)[0].(*dap.EvaluateResponse).Body.Result)

	// Resuming invalidates frame references.
	p.emit(`*running,thread-id="all"`)
	continued := drain(b)[0].(*dap.ContinuedEvent)
	require.True(t, continued.Body.AllThreadsContinued)
	require.ErrorIs(t, b.OnScopes(sc), ErrUnknownFrame)
	require.ErrorIs(t, b.OnVariables(vr), ErrUnknownFrame)
}

func TestNotificationsBecomeEvents(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.emit(
		`=thread-group-started,id="i1",pid="4242"`,
		`=thread-created,id="1",group-id="i1"`,
		`=library-loaded,id="/lib/x86_64-linux-gnu/libc.so.6",target-name="/lib/x86_64-linux-gnu/libc.so.6",host-name="/lib/x86_64-linux-gnu/libc.so.6",symbols-loaded="0",thread-group="i1"`,
		`=breakpoint-modified,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="0x1149",func="main",file="hello.c",fullname="/work/hello.c",line="5",times="1"}`,
		`=cmd-param-changed,param="print pretty",value="on"`,
		`=thread-exited,id="1",group-id="i1"`,
	)

	msgs := drain(b)
	require.Len(t, msgs, 5)

	proc := msgs[0].(*dap.ProcessEvent)
	require.Equal(t, "/work/hello", proc.Body.Name)
	require.Equal(t, 4242, proc.Body.SystemProcessId)
	require.True(t, proc.Body.IsLocalProcess)
	require.Equal(t, "launch", proc.Body.StartMethod)

	started := msgs[1].(*dap.ThreadEvent)
	require.Equal(t, "started", started.Body.Reason)
	require.Equal(t, 1, started.Body.ThreadId)

	module := msgs[2].(*dap.ModuleEvent)
	require.Equal(t, "new", module.Body.Reason)
	require.Equal(t, "libc.so.6", module.Body.Module.Name)
	require.Equal(t, "/lib/x86_64-linux-gnu/libc.so.6", module.Body.Module.Path)

	changed := msgs[3].(*dap.BreakpointEvent)
	require.Equal(t, "changed", changed.Body.Reason)
	require.Equal(t, 1, changed.Body.Breakpoint.Id)
	require.True(t, changed.Body.Breakpoint.Verified)

	exited := msgs[4].(*dap.ThreadEvent)
	require.Equal(t, "exited", exited.Body.Reason)
}

func TestDebuggeeExit(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.emit(`*stopped,reason="exited",exit-code="012"`)

	msgs := drain(b)
	require.Len(t, msgs, 2)
	exited := msgs[0].(*dap.ExitedEvent)
	require.Equal(t, 10, exited.Body.ExitCode)
	require.IsType(t, &dap.TerminatedEvent{}, msgs[1])

	// Terminated is reported once, even when the debugger process goes away afterwards.
	p.exited = true
	require.Empty(t, drain(b))
	require.ErrorIs(t, b.OnThreads(&dap.ThreadsRequest{Request: request("threads", 8)}), ErrDebuggerExited)
}

func TestDebuggerExitFailsPendingRequests(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.reply = func(string) string { return "running" }
	require.NoError(t, b.OnConfigurationDoneRequest(&dap.ConfigurationDoneRequest{Request: request("configurationDone", 4)}))
	require.IsType(t, &dap.ConfigurationDoneResponse{}, drain(b)[0])

	// GDB dies before answering; the queued reply is replaced by the last words of the debuggee.
	require.NoError(t, b.OnThreads(&dap.ThreadsRequest{Request: request("threads", 5)}))
	p.output = []process.Output{{Stdout: "partial output"}}
	p.exited = true

	msgs := drain(b)
	require.Len(t, msgs, 2)
	resp := msgs[0].(*dap.ErrorResponse)
	require.Equal(t, "threads", resp.Command)
	require.Equal(t, ErrDebuggerExited.Error(), resp.Message)
	require.IsType(t, &dap.TerminatedEvent{}, msgs[1])

	stdout, _ := b.Read()
	require.Equal(t, "partial output", stdout)
}

func TestProgramOutput(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.emit(
		`~"Reading symbols from hello...\n"`,
		`@"target says hi\n"`,
		`Hello from the debuggee`,
		`&"warning: no loadable sections\n"`,
	)
	p.output = append(p.output, process.Output{Stdout: "Enter a number: ", Stderr: "oops\n"})

	stdout, stderr := b.Read()
	require.Equal(t, "target says hi\nHello from the debuggee\nEnter a number: ", stdout)
	require.Equal(t, "oops\n", stderr)

	msgs := drain(b)
	require.Len(t, msgs, 2)
	require.Equal(t, "Reading symbols from hello...\n", msgs[0].(*dap.OutputEvent).Body.Output)
	require.Equal(t, "console", msgs[0].(*dap.OutputEvent).Body.Category)
	require.Equal(t, "warning: no loadable sections\n", msgs[1].(*dap.OutputEvent).Body.Output)

	stdout, stderr = b.Read()
	require.Empty(t, stdout)
	require.Empty(t, stderr)
}

func TestRecordSplitAcrossReads(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.output = append(p.output,
		process.Output{Stdout: `*stopped,reason="end-stepping-range",thr`},
		process.Output{Stdout: "ead-id=\"1\"\n"},
	)

	msgs := drain(b)
	require.Len(t, msgs, 1)
	require.Equal(t, "step", msgs[0].(*dap.StoppedEvent).Body.Reason)

	stdout, _ := b.Read()
	require.Empty(t, stdout)
}

func TestDisconnectStopsDebugger(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	require.NoError(t, b.OnDisconnect(&dap.DisconnectRequest{Request: request("disconnect", 20)}))

	require.Equal(t, "-gdb-exit", p.commands[len(p.commands)-1])
	require.True(t, p.terminated)

	msgs := drain(b)
	require.Len(t, msgs, 2)
	resp := msgs[0].(*dap.DisconnectResponse)
	require.True(t, resp.Success)
	require.Equal(t, 20, resp.RequestSeq)
	require.IsType(t, &dap.TerminatedEvent{}, msgs[1])

	require.NoError(t, b.Close())
	require.True(t, p.cleanedUp)
}

func TestTerminateStopsDebugger(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	require.NoError(t, b.OnTerminate(&dap.TerminateRequest{Request: request("terminate", 21)}))
	require.True(t, p.terminated)

	msgs := drain(b)
	require.Len(t, msgs, 2)
	require.IsType(t, &dap.TerminateResponse{}, msgs[0])
	require.IsType(t, &dap.TerminatedEvent{}, msgs[1])

	require.NoError(t, b.Close())
}

func TestWriteFailureIsReported(t *testing.T) {
	t.Parallel()

	b, p := startedBackend(t)
	p.writeErr = errors.New("broken pipe")

	err := b.OnPause(&dap.PauseRequest{Request: request("pause", 3)})
	require.ErrorContains(t, err, "broken pipe")
}
