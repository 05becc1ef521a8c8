package notification

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// GroupNotifications はCreatedOnの昇順に並んだ通知を、連続する同一イベントごとにまとめる。
// イベント種別とペイロードが一致しても、間に別のイベントの通知を挟んだ場合は別グループになる。
// 入力が空なら空のスライスを返す。
func GroupNotifications(notifications []Notification) []Group {
	groups := make([]Group, 0, len(notifications))

	var current *Group
	for _, n := range notifications {
		if current != nil && current.EventType == n.EventType && paramsEqual(current.EventParams, n.EventParams) {
			current.NotificationIDs = append(current.NotificationIDs, n.ID)
			current.LastCreatedOn = n.CreatedOn
			continue
		}

		if current != nil {
			groups = append(groups, *current)
		}
		current = &Group{
			NotificationIDs: []string{n.ID},
			EventType:       n.EventType,
			EventParams:     n.EventParams,
			FirstCreatedOn:  n.CreatedOn,
			LastCreatedOn:   n.CreatedOn,
		}
	}

	if current != nil {
		groups = append(groups, *current)
	}
	return groups
}

// paramsEqual はペイロードを構造として比較する。キーの順序や空白の違いは無視する。
func paramsEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}

	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
