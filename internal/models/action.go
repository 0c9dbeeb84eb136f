package models

import (
	"encoding/json"
	"fmt"
)

// 动作类型
const (
	ActionKindUpsert = "upsert"
	ActionKindDelete = "delete"
	ActionKindPing   = "ping"
)

// Action 动作联合类型（upsert/delete/ping）
type Action interface {
	// Kind 返回动作类型标签
	Kind() string
	isAction()
}

// UpsertAction 插入或更新令牌
type UpsertAction struct {
	Token Token
}

// DeleteAction 按ID删除令牌
type DeleteAction struct {
	TokenID string
}

// PingAction 临时标记动作（只走广播，不进日志）
type PingAction struct {
	Ping Ping
}

func (UpsertAction) Kind() string { return ActionKindUpsert }
func (DeleteAction) Kind() string { return ActionKindDelete }
func (PingAction) Kind() string   { return ActionKindPing }

func (UpsertAction) isAction() {}
func (DeleteAction) isAction() {}
func (PingAction) isAction()   {}

// actionEnvelope 线上编码格式 {action, data}
type actionEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ActionList 动作列表（自定义JSON编解码）
type ActionList []Action

// MarshalJSON 编码为 [{action, data}] 数组
func (l ActionList) MarshalJSON() ([]byte, error) {
	envelopes := make([]actionEnvelope, 0, len(l))
	for _, action := range l {
		var (
			data []byte
			err  error
		)
		switch a := action.(type) {
		case UpsertAction:
			data, err = json.Marshal(a.Token)
		case DeleteAction:
			data, err = json.Marshal(a.TokenID)
		case PingAction:
			data, err = json.Marshal(a.Ping)
		default:
			err = fmt.Errorf("未知的动作类型: %T", action)
		}
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, actionEnvelope{Action: action.Kind(), Data: data})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON 从 [{action, data}] 数组解码
func (l *ActionList) UnmarshalJSON(data []byte) error {
	var envelopes []actionEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}

	actions := make(ActionList, 0, len(envelopes))
	for _, env := range envelopes {
		action, err := decodeAction(env)
		if err != nil {
			return err
		}
		actions = append(actions, action)
	}
	*l = actions
	return nil
}

// decodeAction 解码单个动作
func decodeAction(env actionEnvelope) (Action, error) {
	switch env.Action {
	case ActionKindUpsert:
		var token Token
		if err := json.Unmarshal(env.Data, &token); err != nil {
			return nil, fmt.Errorf("解码upsert动作失败: %w", err)
		}
		return UpsertAction{Token: token}, nil
	case ActionKindDelete:
		var tokenID string
		if err := json.Unmarshal(env.Data, &tokenID); err != nil {
			return nil, fmt.Errorf("解码delete动作失败: %w", err)
		}
		return DeleteAction{TokenID: tokenID}, nil
	case ActionKindPing:
		var ping Ping
		if err := json.Unmarshal(env.Data, &ping); err != nil {
			return nil, fmt.Errorf("解码ping动作失败: %w", err)
		}
		return PingAction{Ping: ping}, nil
	default:
		return nil, fmt.Errorf("未知的动作类型: %s", env.Action)
	}
}

// Request 客户端请求/变更广播的基本单位
type Request struct {
	RequestID string     `json:"request_id"`
	Actions   ActionList `json:"actions"`
}

// PersistentActions 返回需要落盘的动作（过滤ping）
func (r *Request) PersistentActions() ActionList {
	actions := make(ActionList, 0, len(r.Actions))
	for _, action := range r.Actions {
		if _, ok := action.(PingAction); ok {
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

// HasPings 判断请求中是否包含ping动作
func (r *Request) HasPings() bool {
	for _, action := range r.Actions {
		if _, ok := action.(PingAction); ok {
			return true
		}
	}
	return false
}

// FoldActions 折叠动作日志为最小的当前状态表示
// 同ID后写覆盖先写，delete移除，结果按首次出现顺序输出upsert
func FoldActions(actions ActionList) ActionList {
	tokens := make(map[string]*Token)
	order := make([]string, 0)

	for _, action := range actions {
		switch a := action.(type) {
		case UpsertAction:
			if _, exists := tokens[a.Token.ID]; !exists {
				order = append(order, a.Token.ID)
			}
			token := a.Token
			tokens[token.ID] = &token
		case DeleteAction:
			delete(tokens, a.TokenID)
		case PingAction:
			// ping从不进入持久状态
		}
	}

	// 删除后重插会在order中留下重复ID，输出时去重
	folded := make(ActionList, 0, len(tokens))
	emitted := make(map[string]struct{}, len(tokens))
	for _, id := range order {
		if _, done := emitted[id]; done {
			continue
		}
		if token, ok := tokens[id]; ok {
			folded = append(folded, UpsertAction{Token: *token})
			emitted[id] = struct{}{}
		}
	}
	return folded
}
