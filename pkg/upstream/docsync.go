package upstream

import (
	"context"
)

// OpenDocument pushes `textDocument/didOpen` for uri if it hasn't been seen
// before, or `textDocument/didChange` otherwise, with the next monotonic
// version (first notification is didOpen at version 1, subsequent ones are
// didChange at 2,3,...).
//
// It is named OpenDocument rather than "sync" because the first call for a
// URI really is an open; callers that just want "make sure the server has
// the latest text" should call SyncFile, which is the same operation under
// a name that doesn't imply first-time semantics.
func (s *Session) OpenDocument(ctx context.Context, uri, languageID, text string) error {
	return s.pushDocument(ctx, uri, languageID, text)
}

// SyncFile pushes the current text of uri to the server, exactly like
// OpenDocument. A local tool calls this after every edit it makes.
func (s *Session) SyncFile(ctx context.Context, uri, languageID, text string) error {
	return s.pushDocument(ctx, uri, languageID, text)
}

func (s *Session) pushDocument(ctx context.Context, uri, languageID, text string) error {
	s.docsMu.Lock()
	version, seen := s.docs[uri]
	if !seen {
		version = 1
	} else {
		version++
	}
	s.docs[uri] = version
	s.docsMu.Unlock()

	// A Session without a transport only records the version.
	if s.transport == nil {
		return nil
	}

	if !seen {
		return s.transport.SendNotification("textDocument/didOpen", map[string]any{
			"textDocument": map[string]any{
				"uri":        uri,
				"languageId": languageID,
				"version":    version,
				"text":       text,
			},
		})
	}

	return s.transport.SendNotification("textDocument/didChange", map[string]any{
		"textDocument": map[string]any{
			"uri":     uri,
			"version": version,
		},
		"contentChanges": []map[string]any{{"text": text}},
	})
}

// DocumentVersion returns the most recently sent version for uri, and
// whether the document has been opened at all. Exposed mainly for tests
// asserting the monotonicity invariant.
func (s *Session) DocumentVersion(uri string) (int, bool) {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	v, ok := s.docs[uri]
	return v, ok
}
