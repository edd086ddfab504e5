package h2engine

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Router dispatches requests by method and path. Paths may contain :name
// segments and a trailing *name segment that captures the rest of the path.
type Router struct {
	routes       map[string]*routeNode
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// ErrorHandler renders an error returned by a routed handler.
type ErrorHandler func(ctx *Context, err error) error

type routeNode struct {
	handler   Handler
	children  map[string]*routeNode
	param     *routeNode
	wild      *routeNode
	paramName string
}

func newRouteNode() *routeNode {
	return &routeNode{children: make(map[string]*routeNode)}
}

// NewRouter creates a Router with the default not found and error handlers.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*routeNode),
		notFound: HandlerFunc(func(ctx *Context) error {
			return ctx.Error(http.StatusNotFound)
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// HTTPError is an error with the status code it should be answered with.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}

// WithDetails attaches details rendered in JSON error bodies.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// DefaultErrorHandler answers an *HTTPError with its code and anything else
// with 500. Clients that accept JSON get a JSON body.
func DefaultErrorHandler(ctx *Context, err error) error {
	wantsJSON := strings.Contains(ctx.Header("accept"), "application/json")
	if httpErr, ok := err.(*HTTPError); ok {
		if wantsJSON {
			return ctx.JSON(httpErr.Code, map[string]any{
				"error":   httpErr.Message,
				"code":    httpErr.Code,
				"details": httpErr.Details,
			})
		}
		return ctx.String(httpErr.Code, "%s", httpErr.Message)
	}
	if wantsJSON {
		return ctx.JSON(http.StatusInternalServerError, map[string]any{
			"error": http.StatusText(http.StatusInternalServerError),
			"code":  http.StatusInternalServerError,
		})
	}
	return ctx.Error(http.StatusInternalServerError)
}

// Use appends middlewares that run for every routed request, including
// not found and method not allowed answers.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound sets the handler for paths no route matches.
func (r *Router) NotFound(handler Handler) {
	r.notFound = handler
}

// ErrorHandler sets the renderer for handler errors. Nil passes errors through.
func (r *Router) ErrorHandler(handler ErrorHandler) {
	r.errorHandler = handler
}

func (r *Router) GET(path string, handler HandlerFunc)     { r.Handle(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler HandlerFunc)    { r.Handle(http.MethodPost, path, handler) }
func (r *Router) PUT(path string, handler HandlerFunc)     { r.Handle(http.MethodPut, path, handler) }
func (r *Router) DELETE(path string, handler HandlerFunc)  { r.Handle(http.MethodDelete, path, handler) }
func (r *Router) PATCH(path string, handler HandlerFunc)   { r.Handle(http.MethodPatch, path, handler) }
func (r *Router) OPTIONS(path string, handler HandlerFunc) { r.Handle(http.MethodOptions, path, handler) }

// Handle registers handler for method and path. It panics on a malformed
// path or a duplicate route.
func (r *Router) Handle(method, path string, handler Handler) {
	if path == "" || path[0] != '/' {
		panic(fmt.Sprintf("route %q must begin with '/'", path))
	}

	root, ok := r.routes[method]
	if !ok {
		root = newRouteNode()
		r.routes[method] = root
	}

	current := root
	segments := splitPath(path)
	for i, segment := range segments {
		switch segment[0] {
		case ':':
			if current.param == nil {
				current.param = newRouteNode()
				current.param.paramName = segment[1:]
			} else if current.param.paramName != segment[1:] {
				panic(fmt.Sprintf("route %s %s: parameter :%s conflicts with :%s",
					method, path, segment[1:], current.param.paramName))
			}
			current = current.param
		case '*':
			if i != len(segments)-1 {
				panic(fmt.Sprintf("route %s %s: wildcard must be the last segment", method, path))
			}
			if current.wild == nil {
				current.wild = newRouteNode()
				current.wild.paramName = segment[1:]
			}
			current = current.wild
		default:
			child, ok := current.children[segment]
			if !ok {
				child = newRouteNode()
				current.children[segment] = child
			}
			current = child
		}
	}

	if current.handler != nil {
		panic(fmt.Sprintf("route %s %s registered twice", method, path))
	}
	current.handler = handler
}

// Serve implements Handler.
func (r *Router) Serve(ctx *Context) error {
	handler, params := r.lookup(ctx.Method(), ctx.Path())
	ctx.params = params

	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}

	err := handler.Serve(ctx)
	if err != nil && r.errorHandler != nil {
		return r.errorHandler(ctx, err)
	}
	return err
}

// Lookup returns the handler registered for method and path, if any.
func (r *Router) Lookup(method, path string) (Handler, bool) {
	root, ok := r.routes[method]
	if !ok {
		return nil, false
	}
	h, _ := root.match(splitPath(stripQuery(path)))
	return h, h != nil
}

func stripQuery(path string) string {
	if q := strings.IndexByte(path, '?'); q >= 0 {
		return path[:q]
	}
	return path
}

func (r *Router) lookup(method, path string) (Handler, [][2]string) {
	path = stripQuery(path)

	if root, ok := r.routes[method]; ok {
		if h, params := root.match(splitPath(path)); h != nil {
			return h, params
		}
	}
	if method == http.MethodHead {
		if root, ok := r.routes[http.MethodGet]; ok {
			if h, params := root.match(splitPath(path)); h != nil {
				return h, params
			}
		}
	}

	if allowed := r.allowed(path); len(allowed) > 0 {
		allow := strings.Join(allowed, ", ")
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("allow", allow)
			return ctx.Error(http.StatusMethodNotAllowed)
		}), nil
	}
	return r.notFound, nil
}

// allowed lists the methods that have a route for path.
func (r *Router) allowed(path string) []string {
	segments := splitPath(path)
	var methods []string
	for method, root := range r.routes {
		if h, _ := root.match(segments); h != nil {
			methods = append(methods, method)
		}
	}
	sort.Strings(methods)
	return methods
}

// match walks the tree preferring static segments over parameters over the
// wildcard, backtracking when a branch dead-ends.
func (n *routeNode) match(segments []string) (Handler, [][2]string) {
	if len(segments) == 0 {
		if n.handler != nil {
			return n.handler, nil
		}
		if n.wild != nil && n.wild.handler != nil {
			return n.wild.handler, [][2]string{{n.wild.paramName, ""}}
		}
		return nil, nil
	}

	if child, ok := n.children[segments[0]]; ok {
		if h, params := child.match(segments[1:]); h != nil {
			return h, params
		}
	}
	if n.param != nil {
		if h, params := n.param.match(segments[1:]); h != nil {
			return h, append([][2]string{{n.param.paramName, segments[0]}}, params...)
		}
	}
	if n.wild != nil && n.wild.handler != nil {
		return n.wild.handler, [][2]string{{n.wild.paramName, strings.Join(segments, "/")}}
	}
	return nil, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	segments := strings.Split(trimmed, "/")
	out := segments[:0]
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Group registers routes under a common prefix with shared middleware.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group creates a route group with the given prefix and middlewares.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:      r,
		prefix:      strings.TrimSuffix(prefix, "/"),
		middlewares: middlewares,
	}
}

// Use appends middlewares for routes registered on the group afterwards.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

func (g *Group) GET(path string, handler HandlerFunc)    { g.Handle(http.MethodGet, path, handler) }
func (g *Group) POST(path string, handler HandlerFunc)   { g.Handle(http.MethodPost, path, handler) }
func (g *Group) PUT(path string, handler HandlerFunc)    { g.Handle(http.MethodPut, path, handler) }
func (g *Group) DELETE(path string, handler HandlerFunc) { g.Handle(http.MethodDelete, path, handler) }

// Handle registers handler for method and the prefixed path.
func (g *Group) Handle(method, path string, handler Handler) {
	if len(g.middlewares) > 0 {
		handler = Chain(g.middlewares...)(handler)
	}
	g.router.Handle(method, g.prefix+path, handler)
}

// Group creates a nested group with combined prefixes and middlewares.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	combined := make([]Middleware, 0, len(g.middlewares)+len(middlewares))
	combined = append(combined, g.middlewares...)
	combined = append(combined, middlewares...)
	return &Group{
		router:      g.router,
		prefix:      g.prefix + strings.TrimSuffix(prefix, "/"),
		middlewares: combined,
	}
}
