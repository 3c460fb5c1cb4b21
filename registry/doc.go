// Package registry is the catalog of invocable tools. Each tool pairs a
// descriptor (name, description, input schema, handler) with capability
// metadata and a per-tool metrics record that is updated after every
// invocation, successful or not.
//
// Tool names are namespaced ("math/add"); duplicate registration is an
// error. When no capability is supplied at registration one is synthesized:
// the category comes from the name's namespace segment, tags are derived
// heuristically from the description, and protocol-version compatibility
// defaults to the current wire version.
package registry
