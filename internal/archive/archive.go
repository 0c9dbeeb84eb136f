package archive

import (
	"context"

	"github.com/wfunc/tabletop/internal/models"
)

// RoomArchive 冷归档存储接口
// 每个房间一个对象，内容为与热存储相同的JSON编码动作批次
type RoomArchive interface {
	// Load 读取归档的房间；不存在时ok为false，不报错
	Load(ctx context.Context, roomID string) (actions models.ActionList, ok bool, err error)

	// Store 写入或覆盖归档的房间
	Store(ctx context.Context, roomID string, actions models.ActionList) error

	// Delete 删除归档的房间；不存在时不报错
	Delete(ctx context.Context, roomID string) error

	// ListRooms 列出全部归档房间ID
	ListRooms(ctx context.Context) ([]string, error)
}
