// Package cli implements brokerctl, the command-line client of the transfer
// broker.
//
// Global flags (see internal/client/config) come first, then a command and
// its own flags:
//
//	brokerctl [-a addr] [-t token] send -r resource -to bob,carol [-p key=value] file
//	brokerctl upload <transfer-id> file
//	brokerctl download [-o path] [-confirm] <transfer-id>
//	brokerctl confirm [-k operation-key] <transfer-id>
//	brokerctl cancel <transfer-id>
//	brokerctl status <transfer-id>
//	brokerctl history [-n 20]
//
// Transfers the user sent or received are remembered in a local SQLite
// database so that history works offline.
package cli
