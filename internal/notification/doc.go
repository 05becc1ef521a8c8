// Package notification はイベント駆動の通知エンジンを提供する。
//
// イベントログから未処理のイベントを古い順に取り出し、イベント単位のロックと
// トランザクションの中で全アクティブユーザーへの通知理由を計算して通知を保存する。
// 失敗した処理は記録され、MaxAttempts回に達したイベントは処理済みとして打ち切る。
// 保存済みの通知は GroupNotifications で連続する同一イベントごとにまとめて表示する。
//
// 主な構成:
//   - ReasonsForRevisionEvent / ReasonsForCommentEvent: 通知理由の判定（純粋関数）
//   - Processor: ロック、トランザクション、リトライ、キャンセルを扱うイベント処理
//   - Scheduler: Processorを複数ワーカーで繰り返し呼び出すループと期限切れ通知の削除
//   - GroupNotifications: 表示用のグルーピング
//   - Server: 通知の一覧・既読管理とイベント追記のHTTP API
package notification
