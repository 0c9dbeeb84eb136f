package game

import (
	"sort"
	"time"

	"github.com/wfunc/tabletop/internal/models"
	"github.com/wfunc/tabletop/internal/store"
)

// RoomData 单个房间的内存投影
// 生命周期显式管理：首个连接时从存储水合创建，最后一个连接断开时销毁
// 所有修改由GameStateServer串行化，本结构不自带锁
type RoomData struct {
	roomID string

	// 实体状态：ID → 令牌或ping
	entities map[string]models.Entity

	// 占用索引：令牌ID ↔ 单位立方体坐标（碰撞检测O(占用格数)）
	idToPositions  map[string]map[models.Position]struct{}
	positionsToIDs map[models.Position]string

	// 内容分组索引：contentID → 令牌ID集合（同图标共享颜色分配）
	iconToTokenIDs map[string]map[string]struct{}

	// 已连接的客户端会话
	clients map[string]Session

	// 本进程发起、尚未从变更流回传的请求ID
	pendingLocal map[string]struct{}

	// ping过期定时器（房间销毁时取消）
	pingTimers map[string]*time.Timer

	sub store.Subscription
}

// newRoomData 创建空的房间投影
func newRoomData(roomID string) *RoomData {
	return &RoomData{
		roomID:         roomID,
		entities:       make(map[string]models.Entity),
		idToPositions:  make(map[string]map[models.Position]struct{}),
		positionsToIDs: make(map[models.Position]string),
		iconToTokenIDs: make(map[string]map[string]struct{}),
		clients:        make(map[string]Session),
		pendingLocal:   make(map[string]struct{}),
		pingTimers:     make(map[string]*time.Timer),
	}
}

// token 按ID查找令牌（不存在或是ping时返回nil）
func (r *RoomData) token(id string) *models.Token {
	if t, ok := r.entities[id].(*models.Token); ok {
		return t
	}
	return nil
}

// cellsAvailable 检查令牌的包围盒是否与其它令牌冲突
// 令牌可以合法地"更新"进自己已占用的格子
func (r *RoomData) cellsAvailable(t *models.Token) bool {
	for _, cell := range t.Cells() {
		if owner, occupied := r.positionsToIDs[cell]; occupied && owner != t.ID {
			return false
		}
	}
	return true
}

// upsertToken 写入令牌并重建其占用索引
func (r *RoomData) upsertToken(t *models.Token) {
	// 清除旧位置
	for cell := range r.idToPositions[t.ID] {
		delete(r.positionsToIDs, cell)
	}

	cells := make(map[models.Position]struct{})
	for _, cell := range t.Cells() {
		cells[cell] = struct{}{}
		r.positionsToIDs[cell] = t.ID
	}
	r.idToPositions[t.ID] = cells

	// 维护内容分组索引
	if old := r.token(t.ID); old != nil {
		r.removeFromIconIndex(old)
	}
	contentID := t.Contents.ContentID()
	if r.iconToTokenIDs[contentID] == nil {
		r.iconToTokenIDs[contentID] = make(map[string]struct{})
	}
	r.iconToTokenIDs[contentID][t.ID] = struct{}{}

	r.entities[t.ID] = t
}

// deleteToken 删除令牌并清理全部索引
func (r *RoomData) deleteToken(id string) {
	if t := r.token(id); t != nil {
		r.removeFromIconIndex(t)
	}
	for cell := range r.idToPositions[id] {
		delete(r.positionsToIDs, cell)
	}
	delete(r.idToPositions, id)
	delete(r.entities, id)
}

// removeFromIconIndex 从内容分组索引中移除令牌
func (r *RoomData) removeFromIconIndex(t *models.Token) {
	contentID := t.Contents.ContentID()
	if set, ok := r.iconToTokenIDs[contentID]; ok {
		delete(set, t.ID)
		if len(set) == 0 {
			delete(r.iconToTokenIDs, contentID)
		}
	}
}

// addPing 添加ping（不做位置检查）
func (r *RoomData) addPing(p *models.Ping) {
	r.entities[p.ID] = p
}

// removePing 移除ping
func (r *RoomData) removePing(id string) {
	if _, ok := r.entities[id].(*models.Ping); ok {
		delete(r.entities, id)
	}
}

// groupTokens 返回与contentID同组的全部令牌（按ID排序保证分配顺序稳定）
func (r *RoomData) groupTokens(contentID string) []*models.Token {
	ids := make([]string, 0, len(r.iconToTokenIDs[contentID]))
	for id := range r.iconToTokenIDs[contentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tokens := make([]*models.Token, 0, len(ids))
	for _, id := range ids {
		if t := r.token(id); t != nil {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// snapshot 返回当前状态的实体列表（按ID排序，广播用）
func (r *RoomData) snapshot() []models.Entity {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		entities = append(entities, r.entities[id])
	}
	return entities
}

// tokensAsActions 把投影中的全部令牌折叠为最小的upsert动作列表（最终保存用）
func (r *RoomData) tokensAsActions() models.ActionList {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		if _, ok := r.entities[id].(*models.Token); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	actions := make(models.ActionList, 0, len(ids))
	for _, id := range ids {
		actions = append(actions, models.UpsertAction{Token: *r.token(id)})
	}
	return actions
}
