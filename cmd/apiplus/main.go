// Command apiplus is the workbench sync client: it authenticates against
// the remote service, mirrors workspaces into a local SQLite database,
// and reconciles local edits with remote changes.
package main

func main() {
	Execute()
}
