// Package resolve expands load-request URLs into concrete resource
// references for a viewer session.
//
// HTTPResolver understands model-server URLs of the form
//
//	https://host/projects/{project}/models/{model}[@{version}][,{model}...]
//	https://host/streams/{stream}/objects/{object}
//
// and passes any other http(s) URL through as a single reference.
// S3Resolver expands s3://bucket/prefix/ into one reference per object.
// Mux dispatches on URL scheme. WithDefaultToken attaches a server-side
// token only to URLs on the model server's own origin, and RestrictHosts
// limits which hosts a load URL may name.
package resolve
