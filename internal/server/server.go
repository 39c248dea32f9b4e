package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskloom/internal/domain"
	"taskloom/internal/engine"
	"taskloom/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_detected"`
	Message string         `json:"message" example:"cycle detected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskloom tool-call API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskloom API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOpen(group, cfg.Engine)
	registerPlan(group, cfg.Engine)
	registerNext(group, cfg.Engine)
	registerContext(group, cfg.Engine)
	registerUpdate(group, cfg.Engine)
	registerConnect(group, cfg.Engine)
	registerQuery(group, cfg.Engine)
	registerRestructure(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerRelease(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrCycleDetected) {
		return newAPIError(http.StatusConflict, "cycle_detected", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrMergeConflict) {
		return newAPIError(http.StatusConflict, "merge_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "held by"):
		return newAPIError(http.StatusConflict, "claim_conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "cannot") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "duplicate") || strings.Contains(lowered, "empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerOpen(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open",
		Method:      http.MethodPost,
		Path:        "/open",
		Summary:     "Open a project, creating its root node on first use",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body OpenRequest `json:"body"`
	}) (*struct {
		Body struct {
			Project  *ProjectSummaryResponse  `json:"project,omitempty"`
			Projects []ProjectSummaryResponse `json:"projects,omitempty"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Project  *ProjectSummaryResponse  `json:"project,omitempty"`
				Projects []ProjectSummaryResponse `json:"projects,omitempty"`
			} `json:"body"`
		}{}
		if input.Body.Project == "" {
			items, err := e.ListProjects(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Projects = make([]ProjectSummaryResponse, 0, len(items))
			for _, s := range items {
				out.Body.Projects = append(out.Body.Projects, summaryResponse(s))
			}
			return out, nil
		}
		s, err := e.Open(ctx, input.Body.Project, input.Body.Goal, agentFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		r := summaryResponse(s)
		out.Body.Project = &r
		return out, nil
	})
}

func registerPlan(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "plan",
		Method:        http.MethodPost,
		Path:          "/plan",
		Summary:       "Create a batch of nodes and dependency edges atomically",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PlanRequest `json:"body"`
	}) (*struct {
		Body struct {
			IDs map[string]string `json:"ids"`
		} `json:"body"`
	}, error) {
		batch := make([]engine.PlanNode, 0, len(input.Body.Nodes))
		for _, pn := range input.Body.Nodes {
			state, err := marshalState(pn.State)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("node %s: state: %v", pn.Ref, err), nil)
			}
			batch = append(batch, engine.PlanNode{
				Ref:          pn.Ref,
				ParentRef:    pn.ParentRef,
				Summary:      pn.Summary,
				State:        state,
				Properties:   pn.Properties,
				ContextLinks: pn.ContextLinks,
				DependsOn:    pn.DependsOn,
			})
		}
		ids, err := e.Plan(ctx, batch, agentFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				IDs map[string]string `json:"ids"`
			} `json:"body"`
		}{}
		out.Body.IDs = ids
		return out, nil
	})
}

func registerNext(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next",
		Method:      http.MethodPost,
		Path:        "/next",
		Summary:     "Select the best actionable node, optionally claiming it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body NextRequest `json:"body"`
	}) (*struct {
		Body struct {
			Node *NodeResponse `json:"node,omitempty"`
		} `json:"body"`
	}, error) {
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		n, err := e.Next(ctx, input.Body.Project, agentFromContext(ctx), input.Body.Claim, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Node *NodeResponse `json:"node,omitempty"`
			} `json:"body"`
		}{}
		if n != nil {
			r := nodeResponse(*n)
			out.Body.Node = &r
		}
		return out, nil
	})
}

func registerContext(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "context",
		Method:      http.MethodPost,
		Path:        "/context",
		Summary:     "Assemble a node's surroundings: ancestors, children tree, dependencies",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			NodeID string `json:"node_id"`
			Depth  int    `json:"depth,omitempty" minimum:"0"`
		} `json:"body"`
	}) (*struct {
		Body NodeContextResponse `json:"body"`
	}, error) {
		c, err := e.Context(ctx, input.Body.NodeID, input.Body.Depth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})
}

func registerUpdate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update",
		Method:      http.MethodPost,
		Path:        "/update",
		Summary:     "Apply a batch of node updates, reporting newly actionable nodes",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UpdateRequest `json:"body"`
	}) (*struct {
		Body struct {
			Updated         []NodeResponse `json:"updated"`
			NewlyActionable []NodeResponse `json:"newly_actionable,omitempty"`
		} `json:"body"`
	}, error) {
		agent := agentFromContext(ctx)
		updates := make([]engine.NodeUpdate, 0, len(input.Body.Updates))
		for _, u := range input.Body.Updates {
			state, err := marshalState(u.State)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("node %s: state: %v", u.NodeID, err), nil)
			}
			nu := engine.NodeUpdate{
				NodeID:          u.NodeID,
				Resolved:        u.Resolved,
				State:           state,
				Properties:      u.Properties,
				Blocked:         u.Blocked,
				BlockedReason:   u.BlockedReason,
				AddContextLinks: u.AddContextLinks,
			}
			for _, ev := range u.AddEvidence {
				nu.AddEvidence = append(nu.AddEvidence, domain.Evidence{Type: ev.Type, Ref: ev.Ref, Agent: agent})
			}
			updates = append(updates, nu)
		}
		res, err := e.Update(ctx, updates, agent)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Updated         []NodeResponse `json:"updated"`
				NewlyActionable []NodeResponse `json:"newly_actionable,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Updated = mapNodes(res.Updated)
		out.Body.NewlyActionable = mapNodes(res.NewlyActionable)
		return out, nil
	})
}

func registerConnect(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "connect",
		Method:      http.MethodPost,
		Path:        "/connect",
		Summary:     "Add or remove a typed edge between two nodes",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ConnectRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Connect(ctx, input.Body.From, input.Body.To, input.Body.Type, agentFromContext(ctx), input.Body.Remove); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerQuery(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "query",
		Method:      http.MethodPost,
		Path:        "/query",
		Summary:     "List nodes matching filters, ranked like next selection",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body QueryRequest `json:"body"`
	}) (*struct {
		Body struct {
			Nodes []NodeResponse `json:"nodes"`
		} `json:"body"`
	}, error) {
		nodes, err := e.Query(ctx, repo.NodeFilters{
			Project:    input.Body.Project,
			Resolved:   input.Body.Resolved,
			Blocked:    input.Body.Blocked,
			Text:       input.Body.Text,
			Ancestor:   input.Body.Ancestor,
			Actionable: input.Body.Actionable,
			Agent:      agentFromContext(ctx),
			PropKey:    input.Body.PropKey,
			PropValue:  input.Body.PropValue,
			Limit:      input.Body.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Nodes []NodeResponse `json:"nodes"`
			} `json:"body"`
		}{}
		out.Body.Nodes = mapNodes(nodes)
		return out, nil
	})
}

func registerRestructure(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "restructure",
		Method:      http.MethodPost,
		Path:        "/restructure",
		Summary:     "Move, merge, or drop a node with explicit descendant policy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RestructureRequest `json:"body"`
	}) (*struct {
		Body struct {
			Node    *NodeResponse `json:"node,omitempty"`
			Removed []string      `json:"removed,omitempty"`
		} `json:"body"`
	}, error) {
		agent := agentFromContext(ctx)
		out := &struct {
			Body struct {
				Node    *NodeResponse `json:"node,omitempty"`
				Removed []string      `json:"removed,omitempty"`
			} `json:"body"`
		}{}
		switch input.Body.Op {
		case "move":
			n, err := e.Move(ctx, input.Body.NodeID, input.Body.NewParent, agent)
			if err != nil {
				return nil, handleError(err)
			}
			r := nodeResponse(n)
			out.Body.Node = &r
		case "merge":
			n, err := e.Merge(ctx, input.Body.Into, input.Body.From, agent)
			if err != nil {
				return nil, handleError(err)
			}
			r := nodeResponse(n)
			out.Body.Node = &r
		case "drop":
			removed, err := e.Drop(ctx, input.Body.NodeID, agent, input.Body.Cascade)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Removed = removed
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "op must be move, merge or drop", nil)
		}
		return out, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "history",
		Method:      http.MethodGet,
		Path:        "/history/{node_id}",
		Summary:     "A node's audit trail, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NodeID string `path:"node_id"`
	}) (*struct {
		Body struct {
			Entries []AuditEntryResponse `json:"entries"`
		} `json:"body"`
	}, error) {
		entries, err := e.History(ctx, input.NodeID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Entries []AuditEntryResponse `json:"entries"`
			} `json:"body"`
		}{}
		out.Body.Entries = auditResponse(entries)
		return out, nil
	})
}

func registerRelease(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "release",
		Method:      http.MethodPost,
		Path:        "/release",
		Summary:     "Release a claim held by the calling agent",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			NodeID string `json:"node_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Release(ctx, input.Body.NodeID, agentFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskloom API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
