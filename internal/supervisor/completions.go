package supervisor

import (
	"regexp"
	"strings"

	"github.com/agentbox/agentboxd/internal/containerstate"
	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/streamcache"
)

// containerPrefix is stripped from connection names to recover a project
// name, and prepended to a project name to recover a container name
// (original_source: container_name[9:] / f"agentbox-{sanitized}").
const containerPrefix = "agentbox-"

var projectSanitizer = regexp.MustCompile(`[^a-z0-9_-]`)

// completions answers the get_completions request's six data shapes
// (spec §4.8 SUPPLEMENTED FEATURES #2/#3), backed by the state this
// daemon already tracks instead of Docker or filesystem lookups.
type completions struct {
	mgr   *managerRef
	cache *streamcache.Cache
	state *containerstate.Store
	lib   LibraryLister
}

// LibraryLister supplies the mcp/skills completion data. The real
// agentbox.library.LibraryManager walks a filesystem tree of YAML
// descriptors; newStaticLibraryLister below is a small static fallback, kept
// behind this interface so a future filesystem-backed implementation can
// swap in without touching the handler.
type LibraryLister interface {
	MCPServers() []string
	Skills() []string
}

func newCompletions(mgr *managerRef, cache *streamcache.Cache, state *containerstate.Store, lib LibraryLister) *completions {
	return &completions{mgr: mgr, cache: cache, state: state, lib: lib}
}

func projectToContainer(project string) string {
	sanitized := projectSanitizer.ReplaceAllString(strings.ToLower(project), "-")
	return containerPrefix + sanitized
}

func containerToProject(container string) (string, bool) {
	if !strings.HasPrefix(container, containerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(container, containerPrefix), true
}

func (c *completions) lookup(compType, project string) (map[string]any, error) {
	switch compType {
	case "projects":
		return map[string]any{"projects": c.projects()}, nil
	case "sessions":
		return map[string]any{"sessions": c.sessions(project)}, nil
	case "worktrees":
		return map[string]any{"worktrees": c.worktrees(project)}, nil
	case "mcp":
		return map[string]any{"mcp_servers": c.lib.MCPServers()}, nil
	case "skills":
		return map[string]any{"skills": c.lib.Skills()}, nil
	case "docker_containers":
		return map[string]any{"docker_containers": c.mgr.get().Names()}, nil
	default:
		return nil, control.Errorf(control.KindInvalidInput, "unknown completion type: %s", compType)
	}
}

func (c *completions) projects() []string {
	projects := []string{}
	for _, name := range c.mgr.get().Names() {
		if proj, ok := containerToProject(name); ok {
			projects = append(projects, proj)
		}
	}
	return projects
}

func (c *completions) sessions(project string) []string {
	sessions := []string{}
	if project != "" {
		container := projectToContainer(project)
		for _, key := range c.cache.Keys() {
			if key.Container == container {
				sessions = append(sessions, key.Session)
			}
		}
		return sessions
	}
	for _, key := range c.cache.Keys() {
		proj, ok := containerToProject(key.Container)
		if !ok {
			continue
		}
		sessions = append(sessions, proj+"/"+key.Session)
	}
	return sessions
}

func (c *completions) worktrees(project string) []string {
	worktrees := []string{}
	if project != "" {
		container := projectToContainer(project)
		if wt, ok := c.state.Worktrees(container); ok {
			worktrees = append(worktrees, wt...)
		}
		return worktrees
	}
	for _, container := range c.state.Containers() {
		if _, ok := containerToProject(container); !ok {
			continue
		}
		if wt, ok := c.state.Worktrees(container); ok {
			worktrees = append(worktrees, wt...)
		}
	}
	return worktrees
}

// staticLibraryLister is the fallback LibraryLister: a fixed, empty
// catalogue until a filesystem-backed one replaces it. Returning empty
// slices (rather than an error) matches original_source's own
// except-and-return-empty behavior on a library lookup failure.
type staticLibraryLister struct{}

func newStaticLibraryLister() staticLibraryLister { return staticLibraryLister{} }

func (staticLibraryLister) MCPServers() []string { return []string{} }
func (staticLibraryLister) Skills() []string     { return []string{} }
