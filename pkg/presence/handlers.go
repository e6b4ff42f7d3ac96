package presence

import (
	"github.com/multpex/linkd/pkg/ws"
)

// TypeQuery 查询在线状态
const TypeQuery = "presence.query"

type queryRequest struct {
	Subjects []string `json:"subjects" validate:"required,min=1,max=100,dive,required"`
}

type queryResponse struct {
	Online map[string]int64 `json:"online"`
}

// RegisterHandlers 注册 presence.query，需要认证
func (t *Tracker) RegisterHandlers(gw *ws.Gateway) {
	gw.Register(TypeQuery, ws.Handle(func(c *ws.Context, req *queryRequest) (*queryResponse, error) {
		online, err := t.OnlineMany(c, req.Subjects...)
		if err != nil {
			return nil, err
		}
		return &queryResponse{Online: online}, nil
	}), ws.AuthRequired(), ws.WithSchema(ws.NewStructSchema[queryRequest]()))
}
