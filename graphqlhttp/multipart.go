package graphqlhttp

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// Upload is a file received through a multipart GraphQL request. It is
// injected into the operation's variables at the paths named by the request's
// map field; resolvers receive it as the value of an Upload-typed argument.
type Upload struct {
	File        multipart.File
	Filename    string
	Size        int64
	ContentType string
}

// ImplementsGraphQLType marks Upload as the implementation of a custom Upload
// scalar, so schemas built with graph-gophers/graphql-go can declare
// `scalar Upload` and accept it as an argument.
func (*Upload) ImplementsGraphQLType(name string) bool {
	return name == "Upload"
}

// UnmarshalGraphQL accepts the *Upload placed into variables by the multipart
// decoder.
func (u *Upload) UnmarshalGraphQL(input interface{}) error {
	up, ok := input.(*Upload)
	if !ok {
		return fmt.Errorf("wrong type for Upload: %T", input)
	}
	*u = *up
	return nil
}

// operationFromMultipart decodes a request shaped per the GraphQL multipart
// request convention: an `operations` field holding the request JSON with
// null placeholders, a `map` field naming which file part fills which
// dotted variables path, and one part per file.
// https://github.com/jaydenseric/graphql-multipart-request-spec
func operationFromMultipart(r *http.Request, maxMemory int64) (*operation, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, errInvalidForm
	}

	var operations interface{}
	if err := json.Unmarshal([]byte(r.FormValue("operations")), &operations); err != nil {
		return nil, errOperationsJSON
	}

	switch operations.(type) {
	case []interface{}:
		return nil, errBatching
	case map[string]interface{}:
	default:
		return nil, errOperationsShape
	}

	var pathMap map[string][]string
	if err := json.Unmarshal([]byte(r.FormValue("map")), &pathMap); err != nil {
		// distinguish bad JSON from a non-object to match the two error texts
		var any interface{}
		if json.Unmarshal([]byte(r.FormValue("map")), &any) != nil {
			return nil, errMapJSON
		}
		return nil, errMapShape
	}

	for name, paths := range pathMap {
		headers := r.MultipartForm.File[name]
		if len(headers) == 0 {
			return nil, fmt.Errorf("no file provided for form field %q", name)
		}
		file, err := headers[0].Open()
		if err != nil {
			return nil, errInvalidForm
		}
		upload := &Upload{
			File:        file,
			Filename:    headers[0].Filename,
			Size:        headers[0].Size,
			ContentType: headers[0].Header.Get("Content-Type"),
		}
		for _, path := range paths {
			if err := injectFile(operations, upload, strings.Split(path, ".")); err != nil {
				return nil, err
			}
		}
	}

	tree := operations.(map[string]interface{})
	op := &operation{}
	op.Query, _ = tree["query"].(string)
	op.OperationName, _ = tree["operationName"].(string)
	op.Variables, _ = tree["variables"].(map[string]interface{})
	return op, nil
}

// injectFile places upload at the dotted path inside the operations tree,
// only where the placeholder is null. Numeric segments index arrays.
func injectFile(tree interface{}, upload *Upload, path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty file path in 'map' field")
	}
	key := path[0]

	switch node := tree.(type) {
	case map[string]interface{}:
		if len(path) == 1 {
			if node[key] == nil {
				node[key] = upload
			}
			return nil
		}
		return injectFile(node[key], upload, path[1:])

	case []interface{}:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("invalid file path segment %q in 'map' field", key)
		}
		if len(path) == 1 {
			if node[idx] == nil {
				node[idx] = upload
			}
			return nil
		}
		return injectFile(node[idx], upload, path[1:])

	default:
		return fmt.Errorf("invalid file path in 'map' field")
	}
}
