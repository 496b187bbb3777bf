package app

import (
	"fmt"

	"github.com/hitoshi/canvassync/internal/model"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は制御APIと定期同期スケジューラを起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandSync は1プリンシパルの同期をフォアグラウンドで1回実行することを示す。
	CommandSync Command = "sync"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "sync":
		return CommandSync
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// SyncArgs は sync サブコマンドの引数。
type SyncArgs struct {
	PrincipalID string
	Kind        model.SyncKind
}

// ParseSyncArgs は "sync <principal> [courses|full]" の引数を解析する。
// 種別を省略した場合は full を使う。
func ParseSyncArgs(args []string) (SyncArgs, error) {
	if len(args) < 2 || args[1] == "" {
		return SyncArgs{}, fmt.Errorf("usage: sync <principal-id> [courses|full]")
	}
	out := SyncArgs{PrincipalID: args[1], Kind: model.SyncKindFull}
	if len(args) >= 3 {
		switch kind := model.SyncKind(args[2]); kind {
		case model.SyncKindCourses, model.SyncKindFull:
			out.Kind = kind
		default:
			return SyncArgs{}, fmt.Errorf("unsupported sync kind %q: want courses or full", args[2])
		}
	}
	return out, nil
}
