// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package cli

const longHelp = `callpipe connects to a service and turns each input line into one call.

With only a uri, lines are read from standard input (with line editing when
it is a terminal):

  api verb [data]     call api/verb with JSON data
  ! event [data]      emit an event instead of a call
  verb [data]         call verb (with --direct)
  !command            run a local shell command
  # comment           ignored, as are blank lines

Data that is not valid JSON is sent as a JSON string; no data sends null.
With a command after the uri, it runs once and callpipe exits when the
reply arrives.

uri forms:
  local                       per-user loopback server (started on demand)
  unix:/path/to.sock[?query]  callpipe protocol over a unix socket
  tcp:host:port[?query]       callpipe protocol over tcp
  host:port[/api][?query]     shorthand for tcp
  mcp:command [args...]       MCP server on stdio; verbs are tools

The query may set api, token and uuid.

exit status:
  0 last reply succeeded   1 last reply failed      2 server hung up
  3 input failed           4 bad arguments          5 cannot connect
  6 input line too long    7 out of memory          8 internal error
  130 interrupted`

const examples = `  callpipe --human 'localhost:1234/hello?token=HELLO&uuid=magic' hello ping
  printf 'hello ping {"x":1}\nhello sleep {"ms":100}\n' | callpipe -p 2 local
  callpipe -d 'unix:/run/svc.sock?api=hello' ping
  callpipe 'mcp:npx -y @modelcontextprotocol/server-everything' everything echo '{"message":"hi"}'`
