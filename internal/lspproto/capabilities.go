// Package lspproto adapts go.lsp.dev/protocol's wire types to the shapes the
// gateway's core components need: the client capability set declared during
// handshake, and document-URI/language-id helpers shared by the pool and the
// client.
package lspproto

import (
	"go.lsp.dev/protocol"
)

// ClientCapabilities returns the capability set the gateway declares during
// initialize, per spec §4.3: full-document sync, hover, completion (snippets
// off unless requested), signature help, definition/references/rename (with
// prepare support), document symbols, related-information diagnostics,
// workspace/executeCommand, workspace/applyEdit, workspace/symbol, literal
// code actions, and formatting/range formatting.
func ClientCapabilities(snippetSupport bool) protocol.ClientCapabilities {
	return protocol.ClientCapabilities{
		TextDocument: &protocol.TextDocumentClientCapabilities{
			Synchronization: &protocol.TextDocumentSyncClientCapabilities{
				DynamicRegistration: false,
				DidSave:             true,
				WillSave:            false,
				WillSaveWaitUntil:   false,
			},
			Hover: &protocol.HoverTextDocumentClientCapabilities{
				ContentFormat: []protocol.MarkupKind{protocol.Markdown, protocol.PlainText},
			},
			Completion: &protocol.CompletionTextDocumentClientCapabilities{
				CompletionItem: &protocol.CompletionTextDocumentClientCapabilitiesItem{
					SnippetSupport: snippetSupport,
				},
			},
			SignatureHelp: &protocol.SignatureHelpTextDocumentClientCapabilities{
				DynamicRegistration: false,
			},
			Definition: &protocol.DefinitionTextDocumentClientCapabilities{
				DynamicRegistration: false,
			},
			References: &protocol.ReferencesTextDocumentClientCapabilities{
				DynamicRegistration: false,
			},
			Rename: &protocol.RenameClientCapabilities{
				DynamicRegistration: false,
				PrepareSupport:      true,
			},
			DocumentSymbol: &protocol.DocumentSymbolClientCapabilities{
				DynamicRegistration:               false,
				HierarchicalDocumentSymbolSupport: true,
			},
			PublishDiagnostics: &protocol.PublishDiagnosticsClientCapabilities{
				RelatedInformation: true,
			},
			CodeAction: &protocol.CodeActionClientCapabilities{
				DynamicRegistration: false,
				CodeActionLiteralSupport: &protocol.CodeActionLiteralSupport{
					CodeActionKind: protocol.CodeActionKind{
						ValueSet: []protocol.CodeActionKind{
							protocol.QuickFix,
							protocol.Refactor,
							protocol.RefactorExtract,
							protocol.RefactorInline,
							protocol.RefactorRewrite,
							protocol.Source,
							protocol.SourceOrganizeImports,
						},
					},
				},
			},
			Formatting: &protocol.DocumentFormattingClientCapabilities{
				DynamicRegistration: false,
			},
			RangeFormatting: &protocol.DocumentRangeFormattingClientCapabilities{
				DynamicRegistration: false,
			},
		},
		Workspace: &protocol.WorkspaceClientCapabilities{
			ApplyEdit: true,
			WorkspaceEdit: &protocol.WorkspaceClientCapabilitiesWorkspaceEdit{
				DocumentChanges: true,
			},
			DidChangeConfiguration: &protocol.DidChangeConfigurationWorkspaceClientCapabilities{
				DynamicRegistration: false,
			},
			Symbol: &protocol.WorkspaceSymbolClientCapabilities{
				DynamicRegistration: false,
			},
			ExecuteCommand: &protocol.ExecuteCommandClientCapabilities{
				DynamicRegistration: false,
			},
		},
	}
}
