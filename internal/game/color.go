package game

import (
	"github.com/wfunc/tabletop/internal/errors"
	"github.com/wfunc/tabletop/internal/models"
)

// assignGroupColors 对共享同一内容标识的令牌组执行自动颜色分配
// 先收集组内显式声明的有效颜色（调色板之外的颜色报错），
// 再按调色板顺序把剩余颜色依次分配给未着色令牌；
// 调色板耗尽后静默停止，后续令牌保持无色
func assignGroupColors(room *RoomData, contentID string) error {
	tokens := room.groupTokens(contentID)

	used := make(map[models.Color]struct{})
	for _, t := range tokens {
		if t.Color == nil {
			continue
		}
		if !models.InPalette(*t.Color) {
			return errors.Newf(errors.ErrColorNotInPalette, "令牌 %s 声明了调色板之外的颜色", t.ID)
		}
		used[*t.Color] = struct{}{}
	}

	// 调色板顺序减去已占用的颜色
	available := make([]models.Color, 0, len(models.Palette))
	for _, c := range models.Palette {
		if _, taken := used[c]; !taken {
			available = append(available, c)
		}
	}

	idx := 0
	for _, t := range tokens {
		if t.Color != nil {
			continue
		}
		if idx >= len(available) {
			break
		}
		color := available[idx]
		idx++
		t.Color = &color
	}
	return nil
}
