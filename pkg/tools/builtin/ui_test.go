package builtin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubwiki/wikidesigner/pkg/rendezvous"
	"github.com/pubwiki/wikidesigner/pkg/tools"
	mcptools "github.com/pubwiki/wikidesigner/pkg/tools/mcp"
)

type delegatedCall struct {
	name    string
	args    map[string]any
	headers map[string]string
}

type fakeWiki struct {
	mu      sync.Mutex
	calls   []delegatedCall
	isError bool
}

func (f *fakeWiki) factory(_ context.Context, headers map[string]string) tools.ToolSet {
	return &fakeWikiToolSet{wiki: f, headers: headers}
}

func (f *fakeWiki) Calls() []delegatedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delegatedCall(nil), f.calls...)
}

type fakeWikiToolSet struct {
	wiki    *fakeWiki
	headers map[string]string
}

func (s *fakeWikiToolSet) Start(context.Context) error { return nil }
func (s *fakeWikiToolSet) Stop(context.Context) error  { return nil }

func (s *fakeWikiToolSet) Tools(context.Context) ([]tools.Tool, error) {
	handler := func(_ context.Context, call tools.ToolCall) (*tools.ToolCallResult, error) {
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, err
		}
		s.wiki.mu.Lock()
		s.wiki.calls = append(s.wiki.calls, delegatedCall{name: call.Function.Name, args: args, headers: s.headers})
		s.wiki.mu.Unlock()

		if s.wiki.isError {
			return tools.ResultError("permission denied"), nil
		}
		return tools.ResultSuccess(call.Function.Name + " succeeded"), nil
	}
	return []tools.Tool{
		{Name: ToolNameCreatePage, Handler: handler},
		{Name: ToolNameUpdatePage, Handler: handler},
	}, nil
}

type harness struct {
	registry *rendezvous.Registry
	wiki     *fakeWiki
	toolset  *mcptools.Toolset
}

func newHarness(t *testing.T, meta mcptools.Meta, opts ...UIOption) *harness {
	t.Helper()

	h := &harness{
		registry: rendezvous.New(),
		wiki:     &fakeWiki{},
	}
	t.Cleanup(h.registry.Close)
	ui := NewUIServer(h.registry, h.wiki.factory, opts...)

	h.toolset = mcptools.NewInProcessToolset(ServerName, ui.Server(), meta)
	require.NoError(t, h.toolset.Start(t.Context()))
	t.Cleanup(func() { _ = h.toolset.Stop(context.Background()) })

	return h
}

func (h *harness) call(t *testing.T, name string, args any) *tools.ToolCallResult {
	t.Helper()

	tool, found, err := tools.Find(t.Context(), h.toolset, name)
	require.NoError(t, err)
	require.True(t, found, "tool %s not found", name)

	buf, err := json.Marshal(args)
	require.NoError(t, err)

	res, err := tool.Handler(t.Context(), tools.ToolCall{
		ID:       "call_1",
		Type:     tools.ToolTypeFunction,
		Function: tools.FunctionCall{Name: name, Arguments: string(buf)},
	})
	require.NoError(t, err)
	return res
}

var session = mcptools.Meta{ChatID: "chat-1", Headers: map[string]string{"Cookie": "session=abc"}}

func dragonsCreate() EditPageArgs {
	return EditPageArgs{
		Server:   "https://dragons.pub.wiki/",
		EditType: EditTypeCreate,
		Title:    "Dragons",
		Content:  "== Lore ==\nDragons are ancient.",
		Section:  "all",
	}
}

func TestToolsAreListed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	all, err := h.toolset.Tools(t.Context())
	require.NoError(t, err)

	names := make([]string, 0, len(all))
	for _, tool := range all {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolNameShowOptions, ToolNameEditPage, ToolNameCreateWiki}, names)

	edit, found, err := tools.Find(t.Context(), h.toolset, ToolNameEditPage)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Request Change Confirmation", edit.Annotations.Title)
	assert.True(t, edit.Annotations.ReadOnlyHint)
}

func TestShowOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	res := h.call(t, ToolNameShowOptions, ShowOptionsArgs{Options: []ShowOption{{Title: "Next", Action: "task: continue"}}})

	assert.False(t, res.IsError)
	assert.Equal(t, "Options UI has shown.Now End this response and waiting next system message.", res.Output)
}

func TestCreateWiki(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	res := h.call(t, ToolNameCreateWiki, CreateWikiArgs{Name: "Dragons", Slug: "dragons", Language: "en"})

	assert.False(t, res.IsError)
	assert.Contains(t, res.Output, "Wiki creation request submitted successfully.")
	assert.Contains(t, res.Output, "you may end the conversation for now")
	assert.Empty(t, h.wiki.Calls())
}

func TestEditPageConfirmedCreate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)
	h.registry.Deliver(rendezvous.Key{ChatID: "chat-1", Task: ToolNameEditPage}, rendezvous.Result{"confirm": "true"})

	res := h.call(t, ToolNameEditPage, dragonsCreate())

	assert.False(t, res.IsError)
	assert.Contains(t, res.Output, `Change confirmation UI has been created. Result: {"confirm":"true"}`)
	assert.Contains(t, res.Output, "create-page succeeded")

	calls := h.wiki.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ToolNameCreatePage, calls[0].name)
	assert.Equal(t, map[string]any{
		"server":       "https://dragons.pub.wiki/",
		"source":       "== Lore ==\nDragons are ancient.",
		"title":        "Dragons",
		"contentModel": ContentModelWikitext,
	}, calls[0].args)
	assert.Equal(t, session.Headers, calls[0].headers)
}

func TestEditPageWaitsForConfirmation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	done := make(chan *tools.ToolCallResult, 1)
	go func() {
		args := dragonsCreate()
		args.EditType = EditTypeUpdate
		args.Title = "Template:Infobox"
		args.Content = "<div>\n  <span> a </span>\n</div>"
		args.Section = "2"
		args.Comment = "tidy"
		done <- h.call(t, ToolNameEditPage, args)
	}()

	require.Eventually(t, func() bool { return h.registry.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	h.registry.Deliver(rendezvous.Key{ChatID: "chat-1", Task: ToolNameEditPage}, rendezvous.Result{"confirm": "true"})

	res := <-done
	assert.False(t, res.IsError)

	calls := h.wiki.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ToolNameUpdatePage, calls[0].name)
	assert.Equal(t, "<div><span> a </span></div>", calls[0].args["source"])
	assert.InDelta(t, 2, calls[0].args["section"], 0)
	assert.Equal(t, "tidy", calls[0].args["comment"])
}

func (h *harness) confirmAndEdit(t *testing.T, args EditPageArgs) delegatedCall {
	t.Helper()

	h.registry.Deliver(rendezvous.Key{ChatID: "chat-1", Task: ToolNameEditPage}, rendezvous.Result{"confirm": "true"})
	res := h.call(t, ToolNameEditPage, args)
	require.False(t, res.IsError, res.Output)

	calls := h.wiki.Calls()
	require.Len(t, calls, 1)
	return calls[0]
}

func TestEditPageLuaModule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	args := dragonsCreate()
	args.Title = "Module:Dice"
	args.Content = "local p = {}\n\n  return p"
	call := h.confirmAndEdit(t, args)

	assert.Equal(t, ToolNameCreatePage, call.name)
	assert.Equal(t, ContentModelLua, call.args["contentModel"])
	assert.Equal(t, "local p = {}\n\n  return p", call.args["source"])
}

func TestEditPageStylesheetIsNotMinified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	args := dragonsCreate()
	args.EditType = EditTypeUpdate
	args.Title = "Template:Infobox/styles.css"
	args.Content = ".infobox {\n  float: right;\n}"
	args.Section = "new"
	call := h.confirmAndEdit(t, args)

	assert.Equal(t, ToolNameUpdatePage, call.name)
	assert.Equal(t, ContentModelCSS, call.args["contentModel"])
	assert.Equal(t, ".infobox {\n  float: right;\n}", call.args["source"])
	assert.Equal(t, "new", call.args["section"])
}

func TestEditPageExplicitContentModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	args := dragonsCreate()
	args.Title = "Template:Banner"
	args.Content = "<div>\n  <b>x</b>\n</div>"
	args.ContentModel = ContentModelCSS
	call := h.confirmAndEdit(t, args)

	assert.Equal(t, ContentModelCSS, call.args["contentModel"])
	assert.Equal(t, "<div>\n  <b>x</b>\n</div>", call.args["source"])
}

func TestEditPageSectionMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		section string
		want    any
	}{
		{section: "0", want: float64(0)},
		{section: "new", want: "new"},
		{section: "all"},
		{section: ""},
		{section: "history"},
	}

	for _, tt := range tests {
		t.Run("section "+tt.section, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, session)

			args := dragonsCreate()
			args.EditType = EditTypeUpdate
			args.Section = tt.section
			call := h.confirmAndEdit(t, args)

			section, ok := call.args["section"]
			if tt.want == nil {
				assert.False(t, ok, "section should be omitted, got %v", section)
				return
			}
			assert.Equal(t, tt.want, section)
		})
	}
}

func TestEditPageCreateIgnoresSection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)

	args := dragonsCreate()
	args.Section = "2"
	call := h.confirmAndEdit(t, args)

	assert.Equal(t, ToolNameCreatePage, call.name)
	assert.NotContains(t, call.args, "section")
}

func TestEditPageTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session, WithEditTimeout(50*time.Millisecond))

	res := h.call(t, ToolNameEditPage, dragonsCreate())

	assert.False(t, res.IsError)
	assert.Contains(t, res.Output, "should NOT proceed")
	assert.Contains(t, res.Output, rendezvous.ErrTimeout.Error())
	assert.Empty(t, h.wiki.Calls())
	assert.Equal(t, 0, h.registry.Pending())
}

func TestEditPageRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)
	h.registry.Deliver(rendezvous.Key{ChatID: "chat-1", Task: ToolNameEditPage}, rendezvous.Result{
		"confirm": "false",
		"content": "User rejected the change: keep the old intro",
	})

	res := h.call(t, ToolNameEditPage, dragonsCreate())

	assert.False(t, res.IsError)
	assert.Contains(t, res.Output, "User rejected the change: keep the old intro")
	assert.Empty(t, h.wiki.Calls())
}

func TestEditPageDelegationFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session)
	h.wiki.isError = true
	h.registry.Deliver(rendezvous.Key{ChatID: "chat-1", Task: ToolNameEditPage}, rendezvous.Result{"confirm": "true"})

	res := h.call(t, ToolNameEditPage, dragonsCreate())

	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "permission denied")
}

func TestEditPageWithoutMetadataUsesUnknownChat(t *testing.T) {
	t.Parallel()

	registry := rendezvous.New()
	t.Cleanup(registry.Close)
	wiki := &fakeWiki{}
	ui := NewUIServer(registry, wiki.factory)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := ui.Server().Connect(t.Context(), serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	clientSession, err := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "1"}, nil).Connect(t.Context(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSession.Close() })

	registry.Deliver(rendezvous.Key{ChatID: UnknownChatID, Task: ToolNameEditPage}, rendezvous.Result{"confirm": "false"})

	res, err := clientSession.CallTool(t.Context(), &mcp.CallToolParams{
		Name: ToolNameEditPage,
		Arguments: map[string]any{
			"server":   "https://dragons.pub.wiki/",
			"editType": "create",
			"title":    "Dragons",
			"content":  "x",
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"confirm":"false"`)
	assert.Equal(t, 0, registry.Buffered())
}
